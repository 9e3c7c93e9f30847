package anomaly

import "gonum.org/v1/gonum/stat"

// featureScaler is a zero-mean, unit-variance transform fit jointly over
// the training feature matrix, via gonum/stat for the per-column mean and
// standard deviation.
type featureScaler struct {
	Means   []float64
	StdDevs []float64
}

func fitScaler(data [][]float64) *featureScaler {
	if len(data) == 0 {
		return &featureScaler{}
	}
	numFeatures := len(data[0])
	means := make([]float64, numFeatures)
	stddevs := make([]float64, numFeatures)

	column := make([]float64, len(data))
	for f := 0; f < numFeatures; f++ {
		for i, row := range data {
			column[i] = row[f]
		}
		mean, std := stat.MeanStdDev(column, nil)
		means[f] = mean
		if std == 0 {
			std = 1
		}
		stddevs[f] = std
	}
	return &featureScaler{Means: means, StdDevs: stddevs}
}

func (s *featureScaler) transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		if i >= len(s.Means) {
			out[i] = v
			continue
		}
		out[i] = (v - s.Means[i]) / s.StdDevs[i]
	}
	return out
}

func (s *featureScaler) transformAll(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = s.transform(row)
	}
	return out
}
