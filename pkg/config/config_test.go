package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
proxmox_api:
  hosts: ["10.0.0.1", "10.0.0.2:8006"]
  user: "plb@pve"
  pass: "secret"
balancing:
  method: memory
  mode: used
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.True(t, *cfg.ProxmoxAPI.SSLVerification)
	assert.Equal(t, 10, *cfg.ProxmoxAPI.Timeout)
	assert.Equal(t, 1, *cfg.ProxmoxAPI.Retries)
	assert.Equal(t, 10, *cfg.Balancing.Balanciness)
	assert.True(t, *cfg.Balancing.Live)
	assert.Equal(t, []string{"vm", "ct"}, cfg.Balancing.BalanceTypes)
	assert.Equal(t, "INFO", cfg.Service.LogLevel)
}

func TestParseUnknownTopLevelKeyRejected(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "\nbogus_section:\n  x: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized top-level key")
}

func TestParseRequiresHostsAndUser(t *testing.T) {
	_, err := Parse([]byte(`balancing: {method: memory, mode: used}`))
	require.Error(t, err)
}

func TestParseRequiresCredential(t *testing.T) {
	_, err := Parse([]byte(`
proxmox_api:
  hosts: ["10.0.0.1"]
  user: "plb@pve"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pass or proxmox_api.token_id")
}

func TestParseTokenIDMisconfiguration(t *testing.T) {
	_, err := Parse([]byte(`
proxmox_api:
  hosts: ["10.0.0.1"]
  user: "plb@pve"
  token_id: "plb@pve!mytoken"
  token_secret: "xxx"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not embed")
}

func TestParseInvalidMethod(t *testing.T) {
	_, err := Parse([]byte(`
proxmox_api: {hosts: ["h"], user: "u", pass: "p"}
balancing: {method: network, mode: used}
`))
	require.Error(t, err)
}

func TestParsePSIRequiresThresholds(t *testing.T) {
	_, err := Parse([]byte(`
proxmox_api: {hosts: ["h"], user: "u", pass: "p"}
balancing: {method: memory, mode: psi}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "balancing.psi is required")
}

func TestParsePoolTypeValidated(t *testing.T) {
	_, err := Parse([]byte(`
proxmox_api: {hosts: ["h"], user: "u", pass: "p"}
balancing:
  method: memory
  mode: used
  pools:
    web:
      type: sticky
`))
	require.Error(t, err)
}
