package chunker

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, c *Chunker) ([]Chunk, error) {
	t.Helper()

	var out []Chunk
	for {
		chunk, err := c.Next()
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, chunk)
	}
}

func ndjson(n int, bad int) string {
	sb := strings.Builder{}
	for i := 1; i <= n; i++ {
		if i == bad {
			sb.WriteString(`{"resourceType":"Patient",` + "\n")
			continue
		}
		fmt.Fprintf(&sb, `{"resourceType":"Patient","id":"p%d"}`+"\n", i)
	}
	return sb.String()
}

func TestMalformedRecordIsRejected(t *testing.T) {
	c := New(strings.NewReader(ndjson(10, 4)), "t1", "b1")

	chunks, err := drain(t, c)
	require.NoError(t, err)
	require.Len(t, chunks, 10)

	rejected := 0
	for _, ch := range chunks {
		if ch.Rejection != nil {
			rejected++
			assert.Equal(t, "line:4", ch.Rejection.Key)
			continue
		}
		assert.Equal(t, "t1", ch.Item.TenantID)
		assert.Equal(t, "b1", ch.Item.BatchID)
		assert.NoError(t, ch.Item.Validate())
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, Stats{Seen: 10, Emitted: 9, Rejected: 1}, c.Stats())
}

func TestRejectionKeys(t *testing.T) {
	tests := []struct {
		record string
		key    string
	}{
		{`{"resourceType":"Patient"}`, "line:1"},
		{`{"id":"p7"}`, "line:1"},
		{`{"resourceType":"Patient","id":7}`, "line:1"},
		{`[1,2,3]`, "line:1"},
		{`"Patient"`, "line:1"},
	}

	for _, v := range tests {
		chunks, err := drain(t, New(strings.NewReader(v.record), "t1", "b1"))
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		require.NotNil(t, chunks[0].Rejection, v.record)
		assert.Equal(t, v.key, chunks[0].Rejection.Key, v.record)
	}
}

func TestBlankLinesAreSkipped(t *testing.T) {
	in := "\n" + `{"resourceType":"Patient","id":"p1"}` + "\n\n  \n" + `{"resourceType":"Patient","id":"p2"}`
	c := New(strings.NewReader(in), "t1", "b1")

	chunks, err := drain(t, c)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	assert.Equal(t, 2, c.Stats().Seen)
}

func TestOversizedRecordIsStructural(t *testing.T) {
	in := `{"resourceType":"Patient","id":"p1"}` + "\n" +
		`{"resourceType":"Patient","id":"p2","text":"` + strings.Repeat("x", 256) + `"}` + "\n" +
		`{"resourceType":"Patient","id":"p3"}` + "\n"

	c := New(strings.NewReader(in), "t1", "b1", WithMaxRecordSize(128))
	chunks, err := drain(t, c)

	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Structural))
	assert.Len(t, chunks, 1, "nothing is emitted after a structural error")

	_, again := c.Next()
	assert.Equal(t, err, again)
}

func TestInvalidUTF8IsRejected(t *testing.T) {
	in := []byte(`{"resourceType":"Patient","id":"p1"}` + "\n")
	in = append(in, []byte(`{"resourceType":"Patient","id":"p2","name":"`)...)
	in = append(in, 0xff, 0xfe)
	in = append(in, []byte(`"}`+"\n")...)
	for i := 3; i <= 5; i++ {
		in = append(in, []byte(fmt.Sprintf(`{"resourceType":"Patient","id":"p%d"}`+"\n", i))...)
	}

	c := New(bytes.NewReader(in), "t1", "b1")
	chunks, err := drain(t, c)
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	require.NotNil(t, chunks[1].Rejection)
	assert.Equal(t, "line:2", chunks[1].Rejection.Key)
	for _, i := range []int{0, 2, 3, 4} {
		require.NotNil(t, chunks[i].Item, i)
	}
	assert.Equal(t, "p5", chunks[4].Item.ResourceID)
	assert.Equal(t, Stats{Seen: 5, Emitted: 4, Rejected: 1}, c.Stats())
}

func TestRejectedRecordsWithSameIDKeepTheirOwnKeys(t *testing.T) {
	in := `{"id":"x1"}` + "\n" + `{"id":"x1","note":1}` + "\n"

	chunks, err := drain(t, New(strings.NewReader(in), "t1", "b1"))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "line:1", chunks[0].Rejection.Key)
	assert.Equal(t, "line:2", chunks[1].Rejection.Key)
	assert.Equal(t, "x1", chunks[1].Rejection.ResourceID)
}

func TestIDsOutsideTheGrammarAreRejected(t *testing.T) {
	in := `{"resourceType":"Patient","id":"../../../t2/b9/Patient/p1"}` + "\n" +
		`{"resourceType":"../t2","id":"p1"}` + "\n" +
		`{"resourceType":"Patient","id":"p3"}` + "\n"

	chunks, err := drain(t, New(strings.NewReader(in), "t1", "b1"))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.NotNil(t, chunks[0].Rejection)
	assert.NotNil(t, chunks[1].Rejection)
	require.NotNil(t, chunks[2].Item)
	assert.Equal(t, "line:3", chunks[2].Pos)
}

func TestGzip(t *testing.T) {
	buf := bytes.Buffer{}
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(ndjson(5, 0)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	chunks, err := drain(t, New(&buf, "t1", "b1"))
	require.NoError(t, err)
	assert.Len(t, chunks, 5)
}

func TestTruncatedGzipIsStructural(t *testing.T) {
	buf := bytes.Buffer{}
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(ndjson(50, 0)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	truncated := buf.Bytes()[:buf.Len()/2]
	_, err = drain(t, New(bytes.NewReader(truncated), "t1", "b1"))
	assert.True(t, failure.Is(err, failure.Structural))
}

func TestBundle(t *testing.T) {
	in := `{
		"resourceType": "Bundle",
		"type": "collection",
		"meta": {"tag": [{"code": "x"}]},
		"entry": [
			{"fullUrl": "urn:1", "resource": {"resourceType": "Patient", "id": "p1"}},
			{"fullUrl": "urn:2"},
			{"resource": {"resourceType": "Observation", "id": "o1", "status": "final"}}
		],
		"total": 3
	}`

	c := New(strings.NewReader(in), "t1", "b1", WithFormat(Bundle))
	chunks, err := drain(t, c)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "p1", chunks[0].Item.ResourceID)
	assert.Equal(t, "entry:2", chunks[1].Rejection.Key)
	assert.Equal(t, "Observation", chunks[2].Item.ResourceType)
	assert.Equal(t, Stats{Seen: 3, Emitted: 2, Rejected: 1}, c.Stats())
}

func TestCorruptBundle(t *testing.T) {
	tests := []string{
		``,
		`[]`,
		`{"resourceType":"Bundle"}`,
		`{"entry": {}}`,
		`{"entry": [{"resource": {"resourceType":"Patient","id":"p1"}}, {"resource": `,
		`{"entry": []} trailing`,
	}

	for _, in := range tests {
		_, err := drain(t, New(strings.NewReader(in), "t1", "b1", WithFormat(Bundle)))
		assert.True(t, failure.Is(err, failure.Structural), "%q: %v", in, err)
	}
}

func TestInvalidTenant(t *testing.T) {
	_, err := New(strings.NewReader(ndjson(1, 0)), "", "b1").Next()
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, NDJSON, f)

	f, err = ParseFormat("bundle")
	require.NoError(t, err)
	assert.Equal(t, Bundle, f)

	_, err = ParseFormat("csv")
	assert.Error(t, err)
}
