package id

import (
	"errors"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var ErrNotInitialized = errors.New("id generator not initialized")

var (
	node    *snowflake.Node
	nodeErr error
	once    sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// Only the first call has any effect.
func Init(nodeID int64) error {
	once.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	return nodeErr
}

// New generates a new globally unique int64 ID using the Snowflake algorithm.
// IDs are time-ordered and unique across distributed instances.
// Init must have succeeded before New is called.
func New() int64 {
	return node.Generate().Int64()
}

// NewString returns a new ID in decimal form, as used for outbox event IDs.
func NewString() string {
	return strconv.FormatInt(New(), 10)
}

// MustInit initializes the generator with node 0 when nothing else has. Tests use it.
func MustInit() {
	if err := Init(0); err != nil {
		panic(err)
	}
	if node == nil {
		panic(ErrNotInitialized)
	}
}
