package nozzle

import (
	"time"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testFilterOptions() FilterOptions {
	return FilterOptions{
		WindowSize:       5,
		MajorityFraction: 0.6,
		MinFill:          3,
		Thresholds: map[Category]float64{
			CategoryClear:        0.5,
			CategoryBlocked:      0.5,
			CategoryCheck:        0.5,
			CategoryGravel:       0.5,
			CategoryActionObject: 0.3,
		},
	}
}

func testSpeeds() SpeedTable {
	return MustSpeedTable(map[State]int{
		StateClear:   25,
		StateCheck:   60,
		StateGravel:  70,
		StateBlocked: 100,
	})
}

func testMachineOptions() MachineOptions {
	return MachineOptions{Hysteresis: 3, HistoryCapacity: 4, Speeds: testSpeeds()}
}

func event(nozzle string, c Category, conf float64) DetectionEvent {
	return DetectionEvent{NozzleID: nozzle, Category: c, Confidence: conf, Timestamp: testStart}
}

func filtered(c Category) Filtered {
	return Filtered{NozzleID: "N1", Category: c, Timestamp: testStart}
}
