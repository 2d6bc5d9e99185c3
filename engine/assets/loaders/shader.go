package loaders

import (
	"errors"
	"fmt"
	"os"
)

var ErrInvalidBytecode = errors.New("invalid shader bytecode")

type ShaderLoader struct{}

// Load reads compiled bytecode. Bytecode is made of 32-bit words.
func (sl *ShaderLoader) Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrInvalidBytecode, path, len(data))
	}
	return data, nil
}
