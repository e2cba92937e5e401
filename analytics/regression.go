package analytics

// regressionFit is a least-squares line over y[i] at x = i
type regressionFit struct {
	Slope     float64
	Intercept float64
	Mean      float64
	R2        float64
}

// linearRegression fits y = intercept + slope*x. ok is false for fewer than two points.
// R2 is 0 for a flat series.
func linearRegression(y []float64) (regressionFit, bool) {
	n := float64(len(y))
	if len(y) < 2 {
		return regressionFit{}, false
	}

	var sumX, sumY float64
	for i, v := range y {
		sumX += float64(i)
		sumY += v
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy, syy float64
	for i, v := range y {
		dx, dy := float64(i)-meanX, v-meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}

	fit := regressionFit{Mean: meanY}
	fit.Slope = sxy / sxx
	fit.Intercept = meanY - fit.Slope*meanX
	if syy > 0 {
		fit.R2 = (sxy * sxy) / (sxx * syy)
	}
	return fit, true
}
