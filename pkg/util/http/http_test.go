package http

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type checkTest struct {
	resp http.Response
	kind failure.Kind
}

var tests = []checkTest{
	{http.Response{StatusCode: 200}, ""},
	{http.Response{StatusCode: 204}, ""},
	{http.Response{StatusCode: 102}, failure.Permanent},
	{http.Response{StatusCode: 301}, failure.Permanent},
	{http.Response{StatusCode: 404}, failure.Permanent},
	{http.Response{StatusCode: 408}, failure.Transient},
	{http.Response{StatusCode: 429}, failure.Transient},
	{http.Response{StatusCode: 500}, failure.Transient},
	{http.Response{StatusCode: 503}, failure.Transient},
}

func TestCheckResponse(t *testing.T) {
	for _, v := range tests {
		err := CheckResponse(&v.resp)
		assert.Equal(t, v.kind, failure.KindOf(err), fmt.Sprintf("status %d", v.resp.StatusCode))
	}
}

func TestStatusError(t *testing.T) {
	err := CheckResponse(&http.Response{StatusCode: 503, Status: "503 Service Unavailable"})

	var se *StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, 503, se.Code)
	assert.Equal(t, "unexpected response status 503 Service Unavailable", err.Error())
}
