package manifest

// DefaultManifestName is the manifest Store.Load()s implicitly for the
// domain/operation accessor methods, matching the loader's convention of
// keeping all domain and operation contracts in one top-level document.
const DefaultManifestName = "operations"

// GetOperationContract returns the operation's contract, falling back to a
// wildcard "*" entry if it declares a FallbackContract. ok is false if
// neither exists.
func (s *Store) GetOperationContract(op string) (*OperationConfig, bool) {
	m, err := s.Load(DefaultManifestName)
	if err != nil {
		return nil, false
	}
	if cfg, ok := m.Operations[op]; ok {
		return &cfg, true
	}
	if wildcard, ok := m.Operations["*"]; ok && wildcard.FallbackContract != "" {
		return &wildcard, true
	}
	return nil, false
}

// GetDomainContract returns domain's contract: an exact match, else the
// manifest's DefaultConstraints, else safe defaults.
func (s *Store) GetDomainContract(domain string) DomainConfig {
	m, err := s.Load(DefaultManifestName)
	if err != nil {
		return safeDefaults()
	}
	if cfg, ok := m.Domains[domain]; ok {
		return cfg
	}
	if m.DefaultConstraints != nil {
		return *m.DefaultConstraints
	}
	return safeDefaults()
}

// IsDomainEnabled reports whether domain's contract is enabled.
func (s *Store) IsDomainEnabled(domain string) bool {
	return s.GetDomainContract(domain).Enabled
}

// GetRiskLevel returns op's configured risk level, or def if no contract
// is found or the contract never set one. An explicit "risk_level": 0 is
// honored rather than treated as absent.
func (s *Store) GetRiskLevel(op string, def float64) float64 {
	cfg, ok := s.GetOperationContract(op)
	if !ok || cfg.RiskLevel == nil {
		return def
	}
	return *cfg.RiskLevel
}

// IsFastPathAvailable reports whether op may use the kernel's fast
// validation path: either declared explicitly on the operation contract,
// or implied by a risk level at or below the fast-path threshold.
func (s *Store) IsFastPathAvailable(op string, fastPathThreshold float64) bool {
	cfg, ok := s.GetOperationContract(op)
	if ok && cfg.FastPathAvailable {
		return true
	}
	return s.GetRiskLevel(op, 0.5) <= fastPathThreshold
}
