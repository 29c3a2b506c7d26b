package endpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, test := range []struct {
		in   string
		host string
		port int
		isIP bool
	}{
		{"up.example.com", "up.example.com", 0, false},
		{"up.example.com:8080", "up.example.com", 8080, false},
		{"10.0.0.1", "10.0.0.1", 0, true},
		{"10.0.0.1:443", "10.0.0.1", 443, true},
		{"[2001:db8::1]:443", "2001:db8::1", 443, true},
		{"2001:db8::1", "2001:db8::1", 0, true},
	} {
		ep, err := Parse(test.in)
		require.NoError(t, err, "parse %q", test.in)
		assert.Equal(t, test.host, ep.Host, "host of %q", test.in)
		assert.Equal(t, test.port, ep.Port, "port of %q", test.in)
		assert.Equal(t, test.isIP, ep.IsIP(), "isIP of %q", test.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "host:notaport", "host:0", "host:99999"} {
		_, err := Parse(in)
		assert.Error(t, err, "parse %q", in)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "up.example.com", MustParse("up.example.com").String())
	assert.Equal(t, "up.example.com:8080", MustParse("up.example.com:8080").String())
	assert.Equal(t, "[2001:db8::1]:443", MustParse("[2001:db8::1]:443").String())
	// round trip
	for _, s := range []string{"a.example", "a.example:80", "1.2.3.4:9000"} {
		assert.Equal(t, s, MustParse(s).String())
	}
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "up.example.com:443", MustParse("up.example.com").HostPort(443))
	assert.Equal(t, "up.example.com:8080", MustParse("up.example.com:8080").HostPort(443))
}

func TestMd5Stability(t *testing.T) {
	a := &Endpoints{Preferred: []Endpoint{MustParse("a.example"), MustParse("b.example")}}
	b := &Endpoints{Preferred: []Endpoint{MustParse("a.example"), MustParse("b.example")}}
	assert.Equal(t, a.Md5(), b.Md5())
	assert.Len(t, a.Md5(), 32)

	// order matters for the fingerprint
	c := &Endpoints{Preferred: []Endpoint{MustParse("b.example"), MustParse("a.example")}}
	assert.NotEqual(t, a.Md5(), c.Md5())

	// the preferred / alternative split matters too
	d := &Endpoints{Preferred: []Endpoint{MustParse("a.example")}, Alternative: []Endpoint{MustParse("b.example")}}
	assert.NotEqual(t, a.Md5(), d.Md5())
}

func TestSameUpstream(t *testing.T) {
	a := &Endpoints{
		Preferred:   []Endpoint{MustParse("a.example")},
		Alternative: []Endpoint{MustParse("b.example")},
	}
	b := &Endpoints{Preferred: []Endpoint{MustParse("b.example"), MustParse("a.example")}}
	assert.True(t, a.SameUpstream(b))

	c := &Endpoints{Preferred: []Endpoint{MustParse("c.example")}}
	assert.False(t, a.SameUpstream(c))

	var empty *Endpoints
	assert.False(t, a.SameUpstream(empty))
	assert.True(t, empty.SameUpstream(&Endpoints{}))
}

func TestClone(t *testing.T) {
	a := &Endpoints{Preferred: []Endpoint{MustParse("a.example")}}
	b := a.Clone()
	b.Preferred[0] = MustParse("z.example")
	assert.Equal(t, "a.example", a.Preferred[0].Host)
}

func TestIsEmptyAndLen(t *testing.T) {
	var nilGroup *Endpoints
	assert.True(t, nilGroup.IsEmpty())
	assert.Equal(t, 0, nilGroup.Len())

	group := NewEndpoints(MustParse("a.example"))
	assert.False(t, group.IsEmpty())
	assert.Equal(t, 1, group.Len())
}
