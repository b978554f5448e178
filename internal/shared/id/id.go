// Package id provides centralized ID generation for the backend.
//
// Server IDs keep the short form handed out by the original hosting API:
// the "nh-" prefix followed by the first group of a random UUID
// (8 lowercase hex characters). Short IDs can collide, so callers that need
// process-lifetime uniqueness (the identity registry) retry on conflict.
//
// Request IDs are full UUIDs and are only used to correlate access logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ServerID identifies a hosted bot registration
type ServerID string

// RequestID identifies an API request
type RequestID string

const (
	ServerPrefix  = "nh"
	RequestPrefix = "req"
)

var serverIDPattern = regexp.MustCompile(`^nh-[0-9a-f]{8}$`)

// Generator generates random identifiers from an entropy source
type Generator struct {
	mu      sync.Mutex // Protects entropy reader
	entropy io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// UUID returns a new random (version 4) UUID
func (g *Generator) UUID() (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uuid.NewRandomFromReader(g.entropy)
}

// ServerID returns a new short server ID
func (g *Generator) ServerID() (ServerID, error) {
	u, err := g.UUID()
	if err != nil {
		return "", fmt.Errorf("generate server id: %w", err)
	}
	head, _, _ := strings.Cut(u.String(), "-")
	return ServerID(ServerPrefix + "-" + head), nil
}

// NewServerID generates a server ID from the default generator
func NewServerID() (ServerID, error) {
	return Default().ServerID()
}

// NewRequestID generates a request ID from the default generator
func NewRequestID() RequestID {
	u, err := Default().UUID()
	if err != nil {
		return RequestID(RequestPrefix + "_" + uuid.NewString())
	}
	return RequestID(RequestPrefix + "_" + u.String())
}

func (id ServerID) String() string  { return string(id) }
func (id RequestID) String() string { return string(id) }

// IsServerID reports whether s has the server ID shape
func IsServerID(s string) bool {
	return serverIDPattern.MatchString(s)
}
