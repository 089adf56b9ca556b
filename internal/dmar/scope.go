package dmar

import (
	"bytes"
	"fmt"
	"strings"
)

// ScopeType identifies what a device scope entry points at.
type ScopeType uint8

const (
	ScopePCIEndpoint     ScopeType = 1
	ScopePCISubHierarchy ScopeType = 2
	ScopeIOAPIC          ScopeType = 3
	ScopeHPET            ScopeType = 4
	ScopeACPINamespace   ScopeType = 5
)

// PathEntry is one hop of a device scope path.
type PathEntry struct {
	Device   uint8
	Function uint8
}

// DeviceScope is a raw device scope entry. Two scopes are equal only when
// their encoded bytes are identical.
type DeviceScope struct {
	raw []byte
}

// MaxScopePath is the longest path whose entry length still fits the one
// byte length field.
const MaxScopePath = (0xff - scopeFixedSize) / 2

// NewDeviceScope encodes a device scope entry. It panics if path is longer
// than MaxScopePath.
func NewDeviceScope(typ ScopeType, enumerationID, startBus uint8, path ...PathEntry) DeviceScope {
	if len(path) > MaxScopePath {
		panic(fmt.Sprintf("dmar: device scope path of %d hops exceeds %d", len(path), MaxScopePath))
	}
	raw := make([]byte, scopeFixedSize, scopeFixedSize+2*len(path))
	raw[0] = byte(typ)
	raw[1] = byte(scopeFixedSize + 2*len(path))
	raw[4] = enumerationID
	raw[5] = startBus
	for _, p := range path {
		raw = append(raw, p.Device, p.Function)
	}
	return DeviceScope{raw: raw}
}

func (s DeviceScope) Type() ScopeType      { return ScopeType(s.at(0)) }
func (s DeviceScope) Len() int             { return len(s.raw) }
func (s DeviceScope) EnumerationID() uint8 { return s.at(4) }
func (s DeviceScope) StartBus() uint8      { return s.at(5) }

// at reads byte i of the entry, or zero for the zero DeviceScope.
func (s DeviceScope) at(i int) uint8 {
	if i >= len(s.raw) {
		return 0
	}
	return s.raw[i]
}

// Path decodes the device/function hops.
func (s DeviceScope) Path() []PathEntry {
	var out []PathEntry
	for i := scopeFixedSize; i+1 < len(s.raw); i += 2 {
		out = append(out, PathEntry{Device: s.raw[i], Function: s.raw[i+1]})
	}
	return out
}

// Bytes returns the encoded entry.
func (s DeviceScope) Bytes() []byte {
	return s.raw
}

func (s DeviceScope) Equal(o DeviceScope) bool {
	return len(s.raw) == len(o.raw) && bytes.Equal(s.raw, o.raw)
}

func (s DeviceScope) String() string {
	var b strings.Builder
	switch s.Type() {
	case ScopePCIEndpoint:
		b.WriteString("pci")
	case ScopePCISubHierarchy:
		b.WriteString("bridge")
	case ScopeIOAPIC:
		b.WriteString("ioapic")
	case ScopeHPET:
		b.WriteString("hpet")
	case ScopeACPINamespace:
		b.WriteString("acpi")
	default:
		fmt.Fprintf(&b, "scope%d", s.Type())
	}
	fmt.Fprintf(&b, "(%02x", s.StartBus())
	for _, p := range s.Path() {
		fmt.Fprintf(&b, ":%02x.%x", p.Device, p.Function)
	}
	b.WriteByte(')')
	return b.String()
}

var scopeNames = map[string]ScopeType{
	"pci":    ScopePCIEndpoint,
	"bridge": ScopePCISubHierarchy,
	"ioapic": ScopeIOAPIC,
	"hpet":   ScopeHPET,
	"acpi":   ScopeACPINamespace,
}

// ParseDeviceScope parses the notation produced by String, e.g.
// "pci(00:1f.3)" or "bridge(80:01.0:00.2)". The enumeration ID is zero.
func ParseDeviceScope(text string) (DeviceScope, error) {
	name, rest, ok := strings.Cut(text, "(")
	if !ok || !strings.HasSuffix(rest, ")") {
		return DeviceScope{}, fmt.Errorf("dmar: malformed device scope %q", text)
	}
	typ, ok := scopeNames[name]
	if !ok {
		return DeviceScope{}, fmt.Errorf("dmar: unknown device scope type %q", name)
	}

	parts := strings.Split(strings.TrimSuffix(rest, ")"), ":")
	var bus uint8
	if _, err := fmt.Sscanf(parts[0], "%02x", &bus); err != nil {
		return DeviceScope{}, fmt.Errorf("dmar: device scope %q: bad bus: %w", text, err)
	}
	var path []PathEntry
	for _, hop := range parts[1:] {
		var p PathEntry
		if _, err := fmt.Sscanf(hop, "%02x.%x", &p.Device, &p.Function); err != nil {
			return DeviceScope{}, fmt.Errorf("dmar: device scope %q: bad path %q: %w", text, hop, err)
		}
		if p.Device > 0x1f || p.Function > 7 {
			return DeviceScope{}, fmt.Errorf("dmar: device scope %q: path %q out of range", text, hop)
		}
		path = append(path, p)
	}
	if len(path) == 0 {
		return DeviceScope{}, fmt.Errorf("dmar: device scope %q has no path", text)
	}
	if len(path) > MaxScopePath {
		return DeviceScope{}, fmt.Errorf("dmar: device scope %q: path longer than %d hops", text, MaxScopePath)
	}
	return NewDeviceScope(typ, 0, bus, path...), nil
}
