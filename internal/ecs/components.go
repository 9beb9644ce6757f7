package ecs

import "github.com/civitasdev/civitas/internal/protocol"

// Transform places an entity on the city grid.
type Transform struct {
	Pos      protocol.GridPosition
	Rotation uint8 // quarter turns clockwise, 0-3
}

func (c *Transform) ComponentID() ComponentID { return ComponentTransform }

func (c *Transform) Serialize(b *protocol.Buffer) error {
	b.WriteInt16(c.Pos.X)
	b.WriteInt16(c.Pos.Y)
	b.WriteUint8(c.Rotation)
	return nil
}

func (c *Transform) Deserialize(b *protocol.Buffer) error {
	x, err := b.ReadInt16()
	if err != nil {
		return err
	}
	y, err := b.ReadInt16()
	if err != nil {
		return err
	}
	rot, err := b.ReadUint8()
	if err != nil {
		return err
	}
	c.Pos = protocol.GridPosition{X: x, Y: y}
	c.Rotation = rot
	return nil
}

func (c *Transform) Clone() Component {
	cp := *c
	return &cp
}

// Building is a constructed structure. Kind selects the building template;
// Progress runs 0-100 while under construction.
type Building struct {
	Kind     uint16
	Level    uint8
	Owner    protocol.PlayerID
	Progress uint8
}

func (c *Building) ComponentID() ComponentID { return ComponentBuilding }

func (c *Building) Serialize(b *protocol.Buffer) error {
	b.WriteUint16(c.Kind)
	b.WriteUint8(c.Level)
	b.WriteUint8(uint8(c.Owner))
	b.WriteUint8(c.Progress)
	return nil
}

func (c *Building) Deserialize(b *protocol.Buffer) error {
	kind, err := b.ReadUint16()
	if err != nil {
		return err
	}
	level, err := b.ReadUint8()
	if err != nil {
		return err
	}
	owner, err := b.ReadUint8()
	if err != nil {
		return err
	}
	progress, err := b.ReadUint8()
	if err != nil {
		return err
	}
	c.Kind = kind
	c.Level = level
	c.Owner = protocol.PlayerID(owner)
	c.Progress = progress
	return nil
}

func (c *Building) Clone() Component {
	cp := *c
	return &cp
}

// RoadKind selects the road class.
type RoadKind uint8

const (
	RoadStreet  RoadKind = 1
	RoadAvenue  RoadKind = 2
	RoadHighway RoadKind = 3
)

// Road is one road tile. Connections is a N/E/S/W bitmask of adjacent
// road tiles, maintained by the simulation.
type Road struct {
	Kind        RoadKind
	Connections uint8
}

func (c *Road) ComponentID() ComponentID { return ComponentRoad }

func (c *Road) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(c.Kind))
	b.WriteUint8(c.Connections)
	return nil
}

func (c *Road) Deserialize(b *protocol.Buffer) error {
	kind, err := b.ReadUint8()
	if err != nil {
		return err
	}
	conns, err := b.ReadUint8()
	if err != nil {
		return err
	}
	c.Kind = RoadKind(kind)
	c.Connections = conns
	return nil
}

func (c *Road) Clone() Component {
	cp := *c
	return &cp
}

// ZoneKind selects what a zoned tile may develop into.
type ZoneKind uint8

const (
	ZoneResidential ZoneKind = 1
	ZoneCommercial  ZoneKind = 2
	ZoneIndustrial  ZoneKind = 3
)

// Zone marks a tile for development.
type Zone struct {
	Kind    ZoneKind
	Density uint8
	Owner   protocol.PlayerID
}

func (c *Zone) ComponentID() ComponentID { return ComponentZone }

func (c *Zone) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(c.Kind))
	b.WriteUint8(c.Density)
	b.WriteUint8(uint8(c.Owner))
	return nil
}

func (c *Zone) Deserialize(b *protocol.Buffer) error {
	kind, err := b.ReadUint8()
	if err != nil {
		return err
	}
	density, err := b.ReadUint8()
	if err != nil {
		return err
	}
	owner, err := b.ReadUint8()
	if err != nil {
		return err
	}
	c.Kind = ZoneKind(kind)
	c.Density = density
	c.Owner = protocol.PlayerID(owner)
	return nil
}

func (c *Zone) Clone() Component {
	cp := *c
	return &cp
}

// UtilityKind selects the service a utility entity carries.
type UtilityKind uint8

const (
	UtilityPowerLine UtilityKind = 1
	UtilityWaterPipe UtilityKind = 2
)

// Utility is a power or water carrier with a capacity budget.
type Utility struct {
	Kind     UtilityKind
	Capacity uint16
	Load     uint16
}

func (c *Utility) ComponentID() ComponentID { return ComponentUtility }

func (c *Utility) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(c.Kind))
	b.WriteUint16(c.Capacity)
	b.WriteUint16(c.Load)
	return nil
}

func (c *Utility) Deserialize(b *protocol.Buffer) error {
	kind, err := b.ReadUint8()
	if err != nil {
		return err
	}
	capacity, err := b.ReadUint16()
	if err != nil {
		return err
	}
	load, err := b.ReadUint16()
	if err != nil {
		return err
	}
	c.Kind = UtilityKind(kind)
	c.Capacity = capacity
	c.Load = load
	return nil
}

func (c *Utility) Clone() Component {
	cp := *c
	return &cp
}

// Population counts the residents attached to an entity.
type Population struct {
	Count     uint32
	Employed  uint32
	Happiness uint8 // 0-100
}

func (c *Population) ComponentID() ComponentID { return ComponentPopulation }

func (c *Population) Serialize(b *protocol.Buffer) error {
	b.WriteUint32(c.Count)
	b.WriteUint32(c.Employed)
	b.WriteUint8(c.Happiness)
	return nil
}

func (c *Population) Deserialize(b *protocol.Buffer) error {
	count, err := b.ReadUint32()
	if err != nil {
		return err
	}
	employed, err := b.ReadUint32()
	if err != nil {
		return err
	}
	happiness, err := b.ReadUint8()
	if err != nil {
		return err
	}
	c.Count = count
	c.Employed = employed
	c.Happiness = happiness
	return nil
}

func (c *Population) Clone() Component {
	cp := *c
	return &cp
}

// CityEconomy is the per-player treasury and tax record. It never
// replicates; clients learn their balance through game events.
type CityEconomy struct {
	Owner    protocol.PlayerID
	Treasury int64
	TaxRate  uint8 // percent
	Income   uint32
	Expenses uint32
}

func (c *CityEconomy) ComponentID() ComponentID { return ComponentCityEconomy }

func (c *CityEconomy) Serialize(b *protocol.Buffer) error {
	b.WriteUint8(uint8(c.Owner))
	b.WriteInt64(c.Treasury)
	b.WriteUint8(c.TaxRate)
	b.WriteUint32(c.Income)
	b.WriteUint32(c.Expenses)
	return nil
}

func (c *CityEconomy) Deserialize(b *protocol.Buffer) error {
	owner, err := b.ReadUint8()
	if err != nil {
		return err
	}
	treasury, err := b.ReadInt64()
	if err != nil {
		return err
	}
	rate, err := b.ReadUint8()
	if err != nil {
		return err
	}
	income, err := b.ReadUint32()
	if err != nil {
		return err
	}
	expenses, err := b.ReadUint32()
	if err != nil {
		return err
	}
	c.Owner = protocol.PlayerID(owner)
	c.Treasury = treasury
	c.TaxRate = rate
	c.Income = income
	c.Expenses = expenses
	return nil
}

func (c *CityEconomy) Clone() Component {
	cp := *c
	return &cp
}
