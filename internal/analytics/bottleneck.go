package analytics

import "medqueue/internal/model"

// BottleneckThresholdMinutes is the projected waiting load above which a
// department is flagged.
const BottleneckThresholdMinutes = 45

type ServiceLoad struct {
	ServiceID             int64   `json:"serviceId"`
	Department            string  `json:"department"`
	WaitingCount          int64   `json:"waitingCount"`
	AvgServiceTimeMinutes float64 `json:"avgServiceTimeMinutes"`
	ProjectedMinutes      float64 `json:"projectedMinutes"`
	Bottleneck            bool    `json:"bottleneck"`
}

func IsBottleneck(s model.ServiceStats) bool {
	return s.AvgServiceTimeMinutes*float64(s.WaitingCount) > BottleneckThresholdMinutes
}

// ServiceLoads annotates every department with its projected load.
func ServiceLoads(stats []model.ServiceStats) []ServiceLoad {
	out := make([]ServiceLoad, 0, len(stats))
	for _, s := range stats {
		out = append(out, ServiceLoad{
			ServiceID:             s.ServiceID,
			Department:            s.ServiceName,
			WaitingCount:          s.WaitingCount,
			AvgServiceTimeMinutes: s.AvgServiceTimeMinutes,
			ProjectedMinutes:      s.AvgServiceTimeMinutes * float64(s.WaitingCount),
			Bottleneck:            IsBottleneck(s),
		})
	}
	return out
}

// Bottlenecks returns only the flagged departments, in input order.
func Bottlenecks(stats []model.ServiceStats) []ServiceLoad {
	var out []ServiceLoad
	for _, l := range ServiceLoads(stats) {
		if l.Bottleneck {
			out = append(out, l)
		}
	}
	return out
}
