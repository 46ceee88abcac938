package option

import (
	"bytes"

	C "github.com/obfstcp/obfstcp/constant"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

type _Options struct {
	Log          *LogOptions    `json:"log,omitempty"`
	Listen       *ListenAddress `json:"listen,omitempty"`
	ListenPort   uint16         `json:"listen_port"`
	Upstream     string         `json:"upstream"`
	UpstreamPort uint16         `json:"upstream_port"`
	Direction    Direction      `json:"direction,omitempty"`
	Key          *uint8         `json:"key,omitempty"`
}

type Options _Options

func (o *Options) UnmarshalJSON(content []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	err := decoder.Decode((*_Options)(o))
	if err != nil {
		return err
	}
	return o.Check()
}

// Check rejects configurations that cannot identify both legs of the relay.
// The direction is the only value with a documented default.
func (o *Options) Check() error {
	if o.ListenPort == 0 {
		return E.New("missing listen port")
	}
	if o.Upstream == "" {
		return E.New("missing upstream host")
	}
	if o.UpstreamPort == 0 {
		return E.New("missing upstream port")
	}
	if !o.Direction.Valid() {
		return E.New("invalid direction: ", string(o.Direction), ", expected ", C.DirectionEncode, " or ", C.DirectionDecode)
	}
	return nil
}

type LogOptions struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Level        string `json:"level,omitempty"`
	Output       string `json:"output,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	DisableColor bool   `json:"-"`
}
