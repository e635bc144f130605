package message

// FaultCode classifies a SOAP fault.
type FaultCode int

const (
	// FaultSender blames the request (SOAP 1.1 "Client").
	FaultSender FaultCode = iota
	// FaultReceiver blames the receiving node (SOAP 1.1 "Server").
	FaultReceiver
	// FaultMustUnderstand reports a header that was flagged but not
	// processed.
	FaultMustUnderstand
)

func (c FaultCode) value(v SOAPVersion) string {
	switch c {
	case FaultMustUnderstand:
		return "MustUnderstand"
	case FaultReceiver:
		if v == SOAP11 {
			return "Server"
		}
		return "Receiver"
	}
	if v == SOAP11 {
		return "Client"
	}
	return "Sender"
}

// NewFault renders a SOAP fault envelope for the given version.
func NewFault(v SOAPVersion, code FaultCode, reason string) ([]byte, error) {
	if !v.IsKnown() {
		v = SOAP12
	}
	doc, header, body := NewEnvelope(v)
	header.Parent().RemoveChild(header)

	p := v.Prefix()
	fault := body.CreateElement(p + ":Fault")
	if v == SOAP11 {
		fault.CreateElement("faultcode").SetText(p + ":" + code.value(v))
		fault.CreateElement("faultstring").SetText(reason)
	} else {
		fault.CreateElement(p+":Code").CreateElement(p+":Value").SetText(p + ":" + code.value(v))
		text := fault.CreateElement(p+":Reason").CreateElement(p+":Text")
		text.CreateAttr("xml:lang", "en")
		text.SetText(reason)
	}
	return doc.WriteToBytes()
}
