package deploy

// Ports holds the base external ports and the per-slot increment.
type Ports struct {
	LogStart    int
	EditorStart int
	ProxyStart  int
	Increment   int
}

// SlotPorts are the external host ports assigned to one slot.
type SlotPorts struct {
	Log    int
	Editor int
	Proxy  int
}

// For computes base + index*increment for each service. Slots on one host never
// collide as long as increment is larger than the number of services.
func (p Ports) For(index int) SlotPorts {
	offset := index * p.Increment
	return SlotPorts{
		Log:    p.LogStart + offset,
		Editor: p.EditorStart + offset,
		Proxy:  p.ProxyStart + offset,
	}
}
