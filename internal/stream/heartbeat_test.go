package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name         string
		offer        time.Duration
		server       string
		send, expect time.Duration
	}{
		{"both sides", 10 * time.Second, "10000,10000", 10 * time.Second, 10 * time.Second},
		{"server slower", 10 * time.Second, "20000,5000", 10 * time.Second, 20 * time.Second},
		{"server wants none", 10 * time.Second, "0,0", 0, 0},
		{"server only sends", 10 * time.Second, "4000,0", 0, 10 * time.Second},
		{"we disable", -1, "10000,10000", 0, 0},
		{"missing header", 10 * time.Second, "", 0, 0},
		{"garbage header", 10 * time.Second, "soon", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			send, expect := negotiate(tc.offer, tc.server)
			assert.Equal(t, tc.send, send)
			assert.Equal(t, tc.expect, expect)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "state(9)", State(9).String())
}
