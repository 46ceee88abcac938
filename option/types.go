package option

import (
	"net/netip"

	C "github.com/obfstcp/obfstcp/constant"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

type ListenAddress netip.Addr

func NewListenAddress(addr netip.Addr) *ListenAddress {
	address := ListenAddress(addr)
	return &address
}

func (a ListenAddress) MarshalJSON() ([]byte, error) {
	addr := netip.Addr(a)
	if !addr.IsValid() {
		return json.Marshal("")
	}
	return json.Marshal(addr.String())
}

func (a *ListenAddress) UnmarshalJSON(content []byte) error {
	var value string
	err := json.Unmarshal(content, &value)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return err
	}
	*a = ListenAddress(addr)
	return nil
}

func (a *ListenAddress) Build(defaultAddr netip.Addr) netip.Addr {
	if a == nil || !netip.Addr(*a).IsValid() {
		return defaultAddr
	}
	return netip.Addr(*a)
}

// Direction selects which endpoint carries the obfuscated stream for every
// session of the process.
type Direction string

func (d Direction) Valid() bool {
	switch string(d) {
	case "", C.DirectionEncode, C.DirectionDecode:
		return true
	default:
		return false
	}
}

// Build resolves the documented default.
func (d Direction) Build() string {
	if d == "" {
		return C.DirectionDecode
	}
	return string(d)
}

func (d *Direction) UnmarshalJSON(content []byte) error {
	var value string
	err := json.Unmarshal(content, &value)
	if err != nil {
		return err
	}
	direction := Direction(value)
	if !direction.Valid() {
		return E.New("unknown direction: ", value)
	}
	*d = direction
	return nil
}
