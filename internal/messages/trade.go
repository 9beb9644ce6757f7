package messages

import "github.com/civitasdev/civitas/internal/protocol"

// ResourceKind names a tradeable city resource.
type ResourceKind uint8

const (
	ResourcePower ResourceKind = 1
	ResourceWater ResourceKind = 2
	ResourceGoods ResourceKind = 3
	ResourceFunds ResourceKind = 4
)

// TradeOffer proposes a resource exchange between two players. The server
// validates ownership and relays the offer to the target.
type TradeOffer struct {
	OfferID  uint32
	From     protocol.PlayerID
	To       protocol.PlayerID
	Resource ResourceKind
	Amount   uint32
	Price    int64
}

func (m *TradeOffer) Type() protocol.MessageType { return protocol.MsgTradeOffer }

func (m *TradeOffer) PayloadSize() int { return 4 + 1 + 1 + 1 + 4 + 8 }

func (m *TradeOffer) Serialize(b *protocol.Buffer) error {
	b.WriteUint32(m.OfferID)
	b.WriteUint8(uint8(m.From))
	b.WriteUint8(uint8(m.To))
	b.WriteUint8(uint8(m.Resource))
	b.WriteUint32(m.Amount)
	b.WriteInt64(m.Price)
	return nil
}

func (m *TradeOffer) Deserialize(b *protocol.Buffer) error {
	offerID, err := b.ReadUint32()
	if err != nil {
		return err
	}
	from, err := b.ReadUint8()
	if err != nil {
		return err
	}
	to, err := b.ReadUint8()
	if err != nil {
		return err
	}
	resource, err := b.ReadUint8()
	if err != nil {
		return err
	}
	amount, err := b.ReadUint32()
	if err != nil {
		return err
	}
	price, err := b.ReadInt64()
	if err != nil {
		return err
	}
	m.OfferID = offerID
	m.From = protocol.PlayerID(from)
	m.To = protocol.PlayerID(to)
	m.Resource = ResourceKind(resource)
	m.Amount = amount
	m.Price = price
	return nil
}

// TradeResponse accepts or declines a relayed offer. From is the
// responding player, identity-checked like every player-bound payload.
type TradeResponse struct {
	OfferID  uint32
	From     protocol.PlayerID
	Accepted bool
}

func (m *TradeResponse) Type() protocol.MessageType { return protocol.MsgTradeResponse }

func (m *TradeResponse) PayloadSize() int { return 4 + 1 + 1 }

func (m *TradeResponse) Serialize(b *protocol.Buffer) error {
	b.WriteUint32(m.OfferID)
	b.WriteUint8(uint8(m.From))
	var accepted uint8
	if m.Accepted {
		accepted = 1
	}
	b.WriteUint8(accepted)
	return nil
}

func (m *TradeResponse) Deserialize(b *protocol.Buffer) error {
	offerID, err := b.ReadUint32()
	if err != nil {
		return err
	}
	from, err := b.ReadUint8()
	if err != nil {
		return err
	}
	accepted, err := b.ReadUint8()
	if err != nil {
		return err
	}
	m.OfferID = offerID
	m.From = protocol.PlayerID(from)
	m.Accepted = accepted != 0
	return nil
}
