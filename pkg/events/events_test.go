package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitBrokers(t *testing.T) {
	require.Nil(t, splitBrokers(""))
	require.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092, ,b:9092 "))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	require.NoError(t, p.Publish(context.Background(), TransactionCompletedType, "user:1", map[string]int{"delta": 5}))
}
