package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onefoot/iwtftpd/internal/config"
	"github.com/onefoot/iwtftpd/internal/netutil"
)

func TestNetutilFamily(t *testing.T) {
	cases := []struct {
		name string
		in   config.Family
		want netutil.Family
	}{
		{"both", config.FamilyBoth, netutil.FamilyBoth},
		{"v4", config.FamilyV4Only, netutil.FamilyV4Only},
		{"v6", config.FamilyV6Only, netutil.FamilyV6Only},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, netutilFamily(tc.in))
		})
	}
}

func TestLookupUserUnknown(t *testing.T) {
	_, err := LookupUser("no-such-user-iwtftpd-test")
	require.Error(t, err)
}
