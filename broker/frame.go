package broker

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/brandcanvas/realtime/protocol"
)

// frame is the cross-instance wire format. The envelope stays JSON-encoded
// inside a msgpack wrapper: the wrapper adds the instance tag needed for
// echo filtering without re-interpreting the payload.
type frame struct {
	Instance string `msgpack:"i"`
	Channel  string `msgpack:"c"`
	Envelope []byte `msgpack:"e"`
}

func encodeFrame(instance, channel string, env *protocol.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal envelope: %w", err)
	}
	b, err := msgpack.Marshal(frame{Instance: instance, Channel: channel, Envelope: payload})
	if err != nil {
		return nil, fmt.Errorf("broker: marshal frame: %w", err)
	}
	return b, nil
}

func decodeFrame(raw []byte) (instance, channel string, env *protocol.Envelope, err error) {
	var f frame
	if err = msgpack.Unmarshal(raw, &f); err != nil {
		return "", "", nil, fmt.Errorf("broker: unmarshal frame: %w", err)
	}
	var e protocol.Envelope
	if err = json.Unmarshal(f.Envelope, &e); err != nil {
		return "", "", nil, fmt.Errorf("broker: unmarshal envelope: %w", err)
	}
	return f.Instance, f.Channel, &e, nil
}
