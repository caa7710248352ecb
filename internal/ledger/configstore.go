package ledger

import (
	"github.com/g13-desktop/trading-engine/pkg/types"
)

// Config file paths, relative to the database root.
const (
	agentsFile     = "config/agents.json"
	accountsFile   = "config/mt5_accounts.json"
	riskFile       = "config/risk_config.json"
	keysFile       = "config/api_keys.json"
	selectionsFile = "config/api_selections.json"
)

// AgentConfigs returns the per-agent configuration map.
func (l *Ledger) AgentConfigs() map[string]types.AgentConfig {
	lk := l.fileLock(agentsFile)
	lk.Lock()
	defer lk.Unlock()

	configs := map[string]types.AgentConfig{}
	l.read(agentsFile, &configs)
	return configs
}

// SaveAgentConfigs rewrites the agent configuration map.
func (l *Ledger) SaveAgentConfigs(configs map[string]types.AgentConfig) {
	lk := l.fileLock(agentsFile)
	lk.Lock()
	defer lk.Unlock()
	l.write(agentsFile, configs)
}

// UpdateAgentConfig applies a mutation to one agent's config under the file
// lock. Reports whether the agent exists.
func (l *Ledger) UpdateAgentConfig(agentID string, mutate func(*types.AgentConfig)) bool {
	lk := l.fileLock(agentsFile)
	lk.Lock()
	defer lk.Unlock()

	configs := map[string]types.AgentConfig{}
	l.read(agentsFile, &configs)
	cfg, ok := configs[agentID]
	if !ok {
		return false
	}
	mutate(&cfg)
	configs[agentID] = cfg
	l.write(agentsFile, configs)
	return true
}

// Accounts returns the terminal credential map.
func (l *Ledger) Accounts() map[string]types.AccountConfig {
	lk := l.fileLock(accountsFile)
	lk.Lock()
	defer lk.Unlock()

	accounts := map[string]types.AccountConfig{}
	l.read(accountsFile, &accounts)
	return accounts
}

// SaveAccounts rewrites the terminal credential map.
func (l *Ledger) SaveAccounts(accounts map[string]types.AccountConfig) {
	lk := l.fileLock(accountsFile)
	lk.Lock()
	defer lk.Unlock()
	l.write(accountsFile, accounts)
}

// RiskConfig returns the global risk limits, defaulted when absent.
func (l *Ledger) RiskConfig() types.RiskConfig {
	lk := l.fileLock(riskFile)
	lk.Lock()
	defer lk.Unlock()

	cfg := types.DefaultRiskConfig()
	l.read(riskFile, &cfg)
	return cfg
}

// SaveRiskConfig rewrites the global risk limits.
func (l *Ledger) SaveRiskConfig(cfg types.RiskConfig) {
	lk := l.fileLock(riskFile)
	lk.Lock()
	defer lk.Unlock()
	l.write(riskFile, cfg)
}

// APIKeys returns the decider credential list.
func (l *Ledger) APIKeys() types.APIKeyFile {
	lk := l.fileLock(keysFile)
	lk.Lock()
	defer lk.Unlock()

	var keys types.APIKeyFile
	l.read(keysFile, &keys)
	return keys
}

// SaveAPIKeys rewrites the decider credential list.
func (l *Ledger) SaveAPIKeys(keys types.APIKeyFile) {
	lk := l.fileLock(keysFile)
	lk.Lock()
	defer lk.Unlock()
	l.write(keysFile, keys)
}

// APISelections returns the agent-to-key assignment map.
func (l *Ledger) APISelections() types.APISelectionFile {
	lk := l.fileLock(selectionsFile)
	lk.Lock()
	defer lk.Unlock()

	sel := types.APISelectionFile{Selections: map[string]string{}}
	l.read(selectionsFile, &sel)
	if sel.Selections == nil {
		sel.Selections = map[string]string{}
	}
	return sel
}

// SaveAPISelections rewrites the agent-to-key assignment map.
func (l *Ledger) SaveAPISelections(sel types.APISelectionFile) {
	lk := l.fileLock(selectionsFile)
	lk.Lock()
	defer lk.Unlock()
	l.write(selectionsFile, sel)
}

// SelectedKey resolves the API key an agent (or "strategist") should use:
// the selected key when one is assigned, otherwise the first configured key.
func (l *Ledger) SelectedKey(id string) (types.APIKey, bool) {
	keys := l.APIKeys()
	if len(keys.Keys) == 0 {
		return types.APIKey{}, false
	}
	sel := l.APISelections()
	if keyID, ok := sel.Selections[id]; ok {
		for _, k := range keys.Keys {
			if k.ID == keyID {
				return k, true
			}
		}
	}
	return keys.Keys[0], true
}
