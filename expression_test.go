package cloudname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpressionShapes(t *testing.T) {
	cases := []struct {
		in   string
		want Expression
	}{
		{
			in: "http.1.webapp.ops.us-east",
			want: Expression{Kind: KindEndpointInstance, Endpoint: "http", Instance: 1,
				Service: "webapp", User: "ops", Cell: "us-east"},
		},
		{
			in: "any.webapp.ops.us-east",
			want: Expression{Kind: KindStrategy, Instance: -1, Strategy: "any",
				Service: "webapp", User: "ops", Cell: "us-east"},
		},
		{
			in: "0.webapp.ops.us-east",
			want: Expression{Kind: KindInstance, Instance: 0,
				Service: "webapp", User: "ops", Cell: "us-east"},
		},
		{
			in: "http.all.webapp.ops.us-east",
			want: Expression{Kind: KindEndpointStrategy, Endpoint: "http", Instance: -1, Strategy: "all",
				Service: "webapp", User: "ops", Cell: "us-east"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseExpression(tc.in)
			require.NoError(t, err)
			tc.want.raw = tc.in
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.in, got.String())
		})
	}
}

func TestParseExpressionRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"webapp.ops.us-east",
		"a.b.c.d.e.f",
		"HTTP.1.webapp.ops.us-east",
		"http.1.webapp.ops.US-east",
		"http.1.webapp.ops.cell1",
		"1.2.webapp.ops.us-east",
		"http.-1.webapp.ops.us-east",
		"-any.webapp.ops.us-east",
		"any..ops.us-east",
	} {
		_, err := ParseExpression(in)
		assert.ErrorIs(t, err, ErrInvalidExpression, in)
	}
}

func TestExpressionCanonicalString(t *testing.T) {
	e := Expression{Kind: KindEndpointInstance, Endpoint: "rpc", Instance: 7, Service: "db", User: "u", Cell: "c"}
	assert.Equal(t, "rpc.7.db.u.c", e.String())
	assert.True(t, e.HasInstance())

	e = Expression{Kind: KindEndpointStrategy, Endpoint: "rpc", Instance: -1, Strategy: "any", Service: "db", User: "u", Cell: "c"}
	assert.Equal(t, "rpc.any.db.u.c", e.String())
	assert.False(t, e.HasInstance())
}
