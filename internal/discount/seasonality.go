package discount

import "time"

// seasonality[day][bucket] scales scores by when content is shown. Buckets
// are four hours wide starting at midnight. Display and ranking only; it
// never feeds the bandit posterior.
var seasonality = [7][6]float64{
	time.Sunday:    {0.6, 0.5, 0.9, 1.1, 1.3, 1.2},
	time.Monday:    {0.5, 0.4, 0.8, 0.9, 1.1, 1.0},
	time.Tuesday:   {0.5, 0.4, 0.8, 0.9, 1.1, 1.0},
	time.Wednesday: {0.5, 0.4, 0.8, 0.9, 1.1, 1.0},
	time.Thursday:  {0.5, 0.4, 0.8, 1.0, 1.2, 1.1},
	time.Friday:    {0.6, 0.4, 0.9, 1.0, 1.3, 1.4},
	time.Saturday:  {0.8, 0.5, 1.0, 1.2, 1.4, 1.5},
}

// Seasonality returns the multiplier for a weekday and hour of day.
func Seasonality(day time.Weekday, hour int) float64 {
	if day < time.Sunday || day > time.Saturday {
		return 1
	}
	hour = ((hour % 24) + 24) % 24
	return seasonality[day][hour/4]
}

// SeasonalityAt is Seasonality for the weekday and hour of t.
func SeasonalityAt(t time.Time) float64 {
	return Seasonality(t.Weekday(), t.Hour())
}
