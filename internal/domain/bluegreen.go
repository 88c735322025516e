package domain

// BlueGreenStrategy applies to the parallel target set in a single phase
// and, only after a fully healthy verdict, atomically switches routing in
// a cutover phase. The prior set is retained as the rollback target for
// the retention window rather than being torn down immediately.
type BlueGreenStrategy struct{}

func (s *BlueGreenStrategy) Plan(assets []AssetID, params StrategyParams) ([]Phase, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	green := make([]AssetID, len(assets))
	copy(green, assets)
	return []Phase{
		{
			Index:         0,
			Label:         "green apply",
			AssetIDs:      green,
			MonitorWindow: params.MonitoringDuration,
		},
		{
			Index:   1,
			Label:   "cutover",
			Cutover: true,
		},
	}, nil
}
