package domain

import "fmt"

// RollingStrategy partitions assets into fixed-size waves, executed
// strictly in order. A wave proceeds only if its health verdict is
// healthy; on failure previously-applied waves are rolled back in
// reverse order.
type RollingStrategy struct{}

func (s *RollingStrategy) Plan(assets []AssetID, params StrategyParams) ([]Phase, error) {
	size := params.WaveSize
	if size <= 0 {
		size = 1
	}

	var phases []Phase
	for start := 0; start < len(assets); start += size {
		end := start + size
		if end > len(assets) {
			end = len(assets)
		}
		wave := make([]AssetID, end-start)
		copy(wave, assets[start:end])
		phases = append(phases, Phase{
			Index:         len(phases),
			Label:         fmt.Sprintf("wave %d", len(phases)+1),
			AssetIDs:      wave,
			MonitorWindow: params.MonitoringDuration,
		})
	}
	return phases, nil
}
