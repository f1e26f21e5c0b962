package amq

// Config is the connection configuration of an Instance. Nothing is
// validated until Run.
type Config struct {
	BrokerURI    string
	Username     string
	Password     string
	Destination  string
	Pipeline     PipelineKind
	DeliveryMode DeliveryMode
	Transacted   bool
}

// AckMode is the session mode implied by the transacted flag.
func (c Config) AckMode() AckMode {
	if c.Transacted {
		return SessionTransacted
	}
	return AutoAcknowledge
}
