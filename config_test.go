package metarelay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const testConfigTOML = `
rpc_url = "http://127.0.0.1:8545"
forwarder = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
access_control = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
known_relayers = ["0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"]

[relay]
confirmations = 3
min_relayer_balance = "0.05"
poll_interval = "500ms"

[fees]
priority_fee_percent = 200

[store]
backend = "memory"
`

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	s, err := DefaultConfig().Settings()
	require.Nil(t, err)
	require.Equal(t, uint64(2), s.Confirmations)
	require.Equal(t, 2*time.Minute, s.ConfirmationTimeout)
	require.Equal(t, DefaultStaleAfter, s.StaleAfter)
	require.Equal(t, DefaultMinRelayerBalance, s.MinRelayerBalance)
	require.Equal(t, uint64(DefaultGasCeiling), s.GasCeiling)
	require.Equal(t, DefaultOuterGasLimit, s.OuterGasLimit)
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	t.Run("partial file keeps defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(testConfigTOML))
		require.Nil(t, err)
		require.Equal(t, "http://127.0.0.1:8545", cfg.RPCURL)
		require.Equal(t, DefaultForwarderName, cfg.DomainName)
		require.Equal(t, RoleTxPayer, cfg.FeePayerRole)
		require.Equal(t, StoreMemory, cfg.Store.Backend)
		require.Equal(t, []common.Address{common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")}, cfg.KnownRelayerAddresses())

		s, err := cfg.Settings()
		require.Nil(t, err)
		require.Equal(t, uint64(3), s.Confirmations)
		require.Equal(t, ether("0.05"), s.MinRelayerBalance)
		require.Equal(t, 500*time.Millisecond, s.PollInterval)
		require.Equal(t, 2*time.Minute, s.ConfirmationTimeout)
		require.Equal(t, uint64(200), s.PriorityFeePercent)
		require.Equal(t, uint64(120), s.MaxFeePercent)
		require.Equal(t, 3, s.NonceReadAttempts)
	})

	t.Run("invalid values", func(t *testing.T) {
		for name, data := range map[string]string{
			"bad duration":      "[relay]\npoll_interval = \"soon\"",
			"bad balance":       "[relay]\nmin_relayer_balance = \"lots\"",
			"low fee percent":   "[fees]\nmax_fee_percent = 90",
			"outer below call":  "[relay]\ngas_ceiling = 3000000",
			"bad forwarder":     "forwarder = \"0x1234\"",
			"bad relayer":       "known_relayers = [\"nope\"]",
			"unknown role":      "fee_payer_role = \"MAYOR_ROLE\"",
			"unknown backend":   "[store]\nbackend = \"etcd\"",
			"redis without url": "[store]\nbackend = \"redis\"",
		} {
			_, err := ParseConfig([]byte(data))
			require.ErrorIs(t, err, ErrInvalidConfig, name)
		}
	})

	t.Run("malformed toml", func(t *testing.T) {
		_, err := ParseConfig([]byte("rpc_url = "))
		require.NotNil(t, err)
		require.NotErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.toml")
	require.Nil(t, os.WriteFile(path, []byte(testConfigTOML), 0o600))

	cfg, err := LoadConfig(path)
	require.Nil(t, err)
	require.Equal(t, uint64(3), cfg.Relay.Confirmations)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NotNil(t, err)
}
