package scale

import (
	"strings"

	"github.com/pkg/errors"

	"loadcell/core"
	"loadcell/protocol"
)

// Message is one decoded MCU response.
type Message struct {
	Name  string
	Args  map[string]int32
	Bytes map[string][]byte
}

// Uint returns a named argument as unsigned.
func (m Message) Uint(name string) uint32 {
	return uint32(m.Args[name])
}

// newRegistry builds the same command table the firmware builds.
func newRegistry() *core.CommandRegistry {
	r := core.NewCommandRegistry()
	core.RegisterCoreCommands(r)
	core.RegisterLoadCellCommands(r)
	return r
}

// field is one "name=%x" entry of a command format.
type field struct {
	name  string
	bytes bool
}

func parseFormat(format string) []field {
	var fields []field
	for _, part := range strings.Fields(format) {
		name, conv, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields = append(fields, field{
			name:  name,
			bytes: strings.HasSuffix(conv, "s"),
		})
	}
	return fields
}

// decodeMessage reads the arguments of cmd from data.
func decodeMessage(cmd *core.Command, data *[]byte) (Message, error) {
	msg := Message{Name: cmd.Name, Args: make(map[string]int32)}
	for _, f := range parseFormat(cmd.Format) {
		if f.bytes {
			b, err := protocol.DecodeVLQBytes(data)
			if err != nil {
				return msg, errors.Wrapf(err, "%s: %s", cmd.Name, f.name)
			}
			if msg.Bytes == nil {
				msg.Bytes = make(map[string][]byte)
			}
			msg.Bytes[f.name] = append([]byte(nil), b...)
			continue
		}
		v, err := protocol.DecodeVLQInt(data)
		if err != nil {
			return msg, errors.Wrapf(err, "%s: %s", cmd.Name, f.name)
		}
		msg.Args[f.name] = v
	}
	return msg, nil
}

// encodeArgs checks the argument count against the format and returns the
// encoder for SendCommand.
func encodeArgs(cmd *core.Command, args []int32) (func(protocol.OutputBuffer), error) {
	if n := len(parseFormat(cmd.Format)); n != len(args) {
		return nil, errors.Errorf("%s takes %d arguments, got %d", cmd.Name, n, len(args))
	}
	return func(output protocol.OutputBuffer) {
		for _, v := range args {
			protocol.EncodeVLQInt(output, v)
		}
	}, nil
}
