package id

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerIDFormat(t *testing.T) {
	gen := NewGenerator()

	sid, err := gen.ServerID()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sid.String(), "nh-"), "got %s", sid)
	assert.Len(t, sid.String(), len("nh-")+8)
	assert.True(t, IsServerID(sid.String()))
}

func TestServerIDDeterministicEntropy(t *testing.T) {
	entropy := bytes.Repeat([]byte{0xab}, 32)

	a, err := NewGeneratorWithEntropy(bytes.NewReader(entropy)).ServerID()
	require.NoError(t, err)
	b, err := NewGeneratorWithEntropy(bytes.NewReader(entropy)).ServerID()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, ServerID("nh-abababab"), a)
}

func TestServerIDEntropyExhausted(t *testing.T) {
	gen := NewGeneratorWithEntropy(bytes.NewReader(nil))

	_, err := gen.ServerID()
	assert.Error(t, err)
}

func TestIsServerID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"nh-0a1b2c3d", true},
		{"nh-0A1B2C3D", false},
		{"nh-0a1b2c3", false},
		{"xx-0a1b2c3d", false},
		{"", false},
		{"nh-0a1b2c3d-extra", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsServerID(tt.in), tt.in)
	}
}

func TestRequestID(t *testing.T) {
	rid := NewRequestID()
	assert.True(t, strings.HasPrefix(rid.String(), "req_"))
	assert.NotEqual(t, rid, NewRequestID())
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	const goroutines = 20
	const idsPerGoroutine = 50

	var wg sync.WaitGroup
	idChan := make(chan ServerID, goroutines*idsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				sid, err := gen.ServerID()
				if err == nil {
					idChan <- sid
				}
			}
		}()
	}

	wg.Wait()
	close(idChan)

	count := 0
	for sid := range idChan {
		assert.True(t, IsServerID(sid.String()))
		count++
	}
	assert.Equal(t, goroutines*idsPerGoroutine, count)
}
