package motion

// Sample is a single accelerometer reading reported by the sensor board
type Sample struct {
	X      float64 // X-axis acceleration in g
	Y      float64 // Y-axis acceleration in g
	Z      float64 // Z-axis acceleration in g
	Change int64   // Device change counter, never negative
}

// Batch is an ordered group of samples written to the store as a single unit.
// Samples keep their arrival order.
type Batch []Sample
