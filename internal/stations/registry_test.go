package stations

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		input string
		want  ID
		ok    bool
	}{
		{"admin", Admin, true},
		{"ADM", Admin, true},
		{"Administrador", Admin, true},
		{"central", Admin, true},
		{"  Saavedra ", Saavedra, true},
		{"riv", Rivadavia, true},
		{"Aristóbulo del Valle", Aristobulo, true},
		{"aristobulo del valle", Aristobulo, true},
		{"aristóbulo", Aristobulo, true},
		{"", "", false},
		{"cordoba", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.input)
		require.Equal(t, tc.ok, ok, "input %q", tc.input)
		require.Equal(t, tc.want, got, "input %q", tc.input)
	}
}

func TestGetAndValid(t *testing.T) {
	st, ok := Get(Admin)
	require.True(t, ok)
	require.True(t, st.Host)
	require.Equal(t, "Administrador", st.DisplayName)

	for _, s := range All() {
		require.True(t, Valid(s.ID))
		if s.ID != Admin {
			require.False(t, s.Host, "only the admin station hosts rooms")
		}
	}

	_, ok = Get("mendoza")
	require.False(t, ok)
}

func TestAllReturnsCopy(t *testing.T) {
	a := All()
	a[0].DisplayName = "mutated"
	b := All()
	require.Equal(t, "Administrador", b[0].DisplayName)
}
