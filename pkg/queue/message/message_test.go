package message

import (
	"testing"

	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	topic, err := Topic(workitem.Enriching)
	require.NoError(t, err)
	assert.Equal(t, "acheron.enrich", topic)
	assert.Equal(t, "acheron.dlq.enrich", DeadLetterTopic(topic))

	_, err = Topic(workitem.Completed)
	assert.Error(t, err)
}

func TestDecodeValidates(t *testing.T) {
	item := workitem.New("t1", "b1", "Patient", "p1", []byte(`{"id":"p1"}`))
	env := &Envelope{
		TenantID:      "t1",
		BatchID:       "b1",
		CorrelationID: item.CorrelationID,
		Stage:         workitem.Enriching,
		Attempt:       1,
		StageAttempt:  1,
		Item:          item,
	}

	raw, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, item.Payload, decoded.Item.Payload)
	assert.Equal(t, env.Key(), decoded.Key())

	item.TenantID = "t2"
	raw, err = env.Encode()
	require.NoError(t, err)
	_, err = Decode(raw)
	assert.Error(t, err, "item of another tenant must not ride in the envelope")

	_, err = Decode([]byte(`{"tenantId":"t1","batchId":"b1","stage":"RECEIVED"}`))
	assert.Error(t, err, "chunk request needs an export")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
