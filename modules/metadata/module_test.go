package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWorkerCount(t *testing.T) {
	assert.Equal(t, defaultWorkerCount, New(nil, nil, nil, 0).workers)
	assert.Equal(t, defaultWorkerCount, New(nil, nil, nil, -3).workers)
	assert.Equal(t, 5, New(nil, nil, nil, 5).workers)
}
