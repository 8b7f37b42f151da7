package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewServiceBusClient_RequiresConnectionString(t *testing.T) {
	client, err := NewServiceBusClient("")
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestNewServiceBusSender_RequiresQueue(t *testing.T) {
	sender, err := NewServiceBusSender(nil, "", "orders")
	assert.Error(t, err)
	assert.Nil(t, sender)
}
