package message

import (
	"time"

	"github.com/beevik/etree"
)

// NewEnvelope creates an empty SOAP envelope of the given version with
// Header and Body elements.
func NewEnvelope(v SOAPVersion) (*etree.Document, *etree.Element, *etree.Element) {
	if !v.IsKnown() {
		v = SOAP12
	}
	p := v.Prefix()

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement(p + ":Envelope")
	env.CreateAttr("xmlns:"+p, v.Namespace())
	env.CreateAttr("xmlns:eb", NsEbMS)

	header := env.CreateElement(p + ":Header")
	body := env.CreateElement(p + ":Body")
	return doc, header, body
}

// AppendMessaging adds an eb:Messaging block flagged mustUnderstand.
func AppendMessaging(header *etree.Element, v SOAPVersion) *etree.Element {
	messaging := header.CreateElement("eb:Messaging")
	messaging.CreateAttr(v.Prefix()+":mustUnderstand", v.MustUnderstandTrue())
	return messaging
}

func appendMessageInfo(parent *etree.Element, messageID, refToMessageID string) {
	info := parent.CreateElement("eb:MessageInfo")
	info.CreateElement("eb:Timestamp").SetText(Timestamp(time.Now()))
	info.CreateElement("eb:MessageId").SetText(messageID)
	if refToMessageID != "" {
		info.CreateElement("eb:RefToMessageId").SetText(refToMessageID)
	}
}

// ReceiptSpec describes the content of a Receipt signal.
type ReceiptSpec struct {
	MessageID      string
	RefToMessageID string
	// References are the ds:Reference elements of the inbound signature;
	// when set the receipt carries ebbp:NonRepudiationInformation.
	References []*etree.Element
	// UserMessage is the inbound eb:UserMessage element, copied into the
	// receipt when no non-repudiation information is produced.
	UserMessage *etree.Element
}

// AppendReceipt adds an eb:SignalMessage with an eb:Receipt.
func AppendReceipt(messaging *etree.Element, spec ReceiptSpec) *etree.Element {
	signal := messaging.CreateElement("eb:SignalMessage")
	appendMessageInfo(signal, spec.MessageID, spec.RefToMessageID)

	receipt := signal.CreateElement("eb:Receipt")
	if len(spec.References) > 0 {
		nri := receipt.CreateElement("ebbp:NonRepudiationInformation")
		nri.CreateAttr("xmlns:ebbp", NsEbbp)
		for _, ref := range spec.References {
			part := nri.CreateElement("ebbp:MessagePartNRInformation")
			c := ref.Copy()
			if c.Space != "" {
				c.CreateAttr("xmlns:"+c.Space, NsDS)
			}
			part.AddChild(c)
		}
	} else if spec.UserMessage != nil {
		um := spec.UserMessage.Copy()
		if um.Space != "" {
			um.CreateAttr("xmlns:"+um.Space, NsEbMS)
		}
		receipt.AddChild(um)
	}
	return signal
}

// AppendErrorSignal adds an eb:SignalMessage carrying one eb:Error per
// error detail.
func AppendErrorSignal(messaging *etree.Element, messageID, refToMessageID string, errs []*ErrorDetail) *etree.Element {
	signal := messaging.CreateElement("eb:SignalMessage")
	appendMessageInfo(signal, messageID, refToMessageID)

	for _, e := range errs {
		el := signal.CreateElement("eb:Error")
		el.CreateAttr("errorCode", e.Code.Code)
		el.CreateAttr("severity", string(e.Code.Severity))
		el.CreateAttr("shortDescription", e.Code.ShortDescription)
		if e.Code.Category != "" {
			el.CreateAttr("category", e.Code.Category)
		}
		if e.Origin != "" {
			el.CreateAttr("origin", e.Origin)
		}
		if e.RefToMessageID != "" {
			el.CreateAttr("refToMessageInError", e.RefToMessageID)
		}
		if e.Description != "" {
			desc := el.CreateElement("eb:Description")
			desc.CreateAttr("xml:lang", "en")
			desc.SetText(e.Description)
		}
		if e.Detail != "" {
			el.CreateElement("eb:ErrorDetail").SetText(e.Detail)
		}
	}
	return signal
}

// AppendUserMessage writes um as an eb:UserMessage element.
func AppendUserMessage(messaging *etree.Element, um *UserMessage) *etree.Element {
	el := messaging.CreateElement("eb:UserMessage")
	if um.MPC != "" {
		el.CreateAttr("mpc", um.MPC)
	}

	info := um.MessageInfo
	if info == nil {
		info = &MessageInfo{}
	}
	mi := el.CreateElement("eb:MessageInfo")
	ts := info.Timestamp
	if ts == "" {
		ts = Timestamp(time.Now())
	}
	mi.CreateElement("eb:Timestamp").SetText(ts)
	mi.CreateElement("eb:MessageId").SetText(info.MessageId)
	if info.RefToMessageId != "" {
		mi.CreateElement("eb:RefToMessageId").SetText(info.RefToMessageId)
	}

	if um.PartyInfo != nil {
		pi := el.CreateElement("eb:PartyInfo")
		appendParty(pi.CreateElement("eb:From"), um.PartyInfo.From)
		appendParty(pi.CreateElement("eb:To"), um.PartyInfo.To)
	}

	if ci := um.CollaborationInfo; ci != nil {
		collab := el.CreateElement("eb:CollaborationInfo")
		if ci.AgreementRef != nil {
			ar := collab.CreateElement("eb:AgreementRef")
			if ci.AgreementRef.Type != "" {
				ar.CreateAttr("type", ci.AgreementRef.Type)
			}
			if ci.AgreementRef.Pmode != "" {
				ar.CreateAttr("pmode", ci.AgreementRef.Pmode)
			}
			ar.SetText(ci.AgreementRef.Value)
		}
		svc := collab.CreateElement("eb:Service")
		if ci.Service.Type != "" {
			svc.CreateAttr("type", ci.Service.Type)
		}
		svc.SetText(ci.Service.Value)
		collab.CreateElement("eb:Action").SetText(ci.Action)
		collab.CreateElement("eb:ConversationId").SetText(ci.ConversationId)
	}

	if um.MessageProperties != nil && len(um.MessageProperties.Property) > 0 {
		props := el.CreateElement("eb:MessageProperties")
		appendProperties(props, um.MessageProperties.Property)
	}

	if um.PayloadInfo != nil && len(um.PayloadInfo.PartInfo) > 0 {
		payloads := el.CreateElement("eb:PayloadInfo")
		for _, p := range um.PayloadInfo.PartInfo {
			part := payloads.CreateElement("eb:PartInfo")
			if p.Href != "" {
				part.CreateAttr("href", p.Href)
			}
			if p.PartProperties != nil && len(p.PartProperties.Property) > 0 {
				appendProperties(part.CreateElement("eb:PartProperties"), p.PartProperties.Property)
			}
		}
	}
	return el
}

func appendParty(el *etree.Element, p *Party) {
	if p == nil {
		return
	}
	for _, id := range p.PartyId {
		pid := el.CreateElement("eb:PartyId")
		if id.Type != "" {
			pid.CreateAttr("type", id.Type)
		}
		pid.SetText(id.Value)
	}
	el.CreateElement("eb:Role").SetText(p.Role)
}

func appendProperties(parent *etree.Element, props []Property) {
	for _, p := range props {
		prop := parent.CreateElement("eb:Property")
		prop.CreateAttr("name", p.Name)
		if p.Type != "" {
			prop.CreateAttr("type", p.Type)
		}
		prop.SetText(p.Value)
	}
}
