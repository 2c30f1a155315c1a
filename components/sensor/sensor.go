// Package sensor defines an abstract sensing device that can provide measurement readings.
package sensor

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/iiosim/utils"
)

// ErrUnknownCommand is returned by DoCommand for commands a sensor does not implement.
var ErrUnknownCommand = errors.New("unknown command")

// A Sensor represents a general purpose sensors that can give arbitrary readings
// of some thing that it is sensing.
type Sensor interface {
	// Name is the name the sensor was created with.
	Name() string
	// Readings return data specific to the type of sensor and can be of any type.
	Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error)
	// DoCommand sends and receives arbitrary data.
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
	// Close releases everything the sensor holds.
	Close(ctx context.Context) error
}

// CommandName returns the "command" entry of a DoCommand payload.
func CommandName(cmd map[string]interface{}) (string, error) {
	raw, ok := cmd["command"]
	if !ok {
		return "", errors.New(`missing "command"`)
	}
	name, err := utils.AssertType[string](raw)
	if err != nil {
		return "", errors.Wrap(err, `invalid "command"`)
	}
	return name, nil
}
