package perception

import (
	"context"
	"math"

	"aura/internal/config"
	"aura/internal/model"
)

// Rules turns raw sidecar boxes into prioritized detections.
type Rules struct {
	ConfidenceThreshold  float64
	Allow                classSet
	Deny                 classSet
	Critical             classSet
	Vehicles             classSet
	VehicleCriticalRatio float64
	PersonImportantRatio float64
}

func RulesFromConfig(cfg config.DetectionConfig) Rules {
	return Rules{
		ConfidenceThreshold:  cfg.ConfidenceThreshold,
		Allow:                buildClassSet(cfg.Classes),
		Deny:                 buildClassSet(cfg.IgnoreClasses),
		Critical:             buildClassSet(cfg.CriticalClasses),
		Vehicles:             buildClassSet(cfg.VehicleClasses),
		VehicleCriticalRatio: cfg.VehicleCriticalRatio,
		PersonImportantRatio: cfg.PersonImportantRatio,
	}
}

// Priority ranks a detection by class and by how much of the frame it fills.
func (r Rules) Priority(class string, box model.BoundingBox, frameHeight int) model.Priority {
	if r.Critical.has(class) {
		return model.PriorityCritical
	}
	ratio := 0.0
	if frameHeight > 0 {
		ratio = box.Height() / float64(frameHeight)
	}
	if r.Vehicles.has(class) && ratio > r.VehicleCriticalRatio {
		return model.PriorityCritical
	}
	if class == "person" && ratio > r.PersonImportantRatio {
		return model.PriorityImportant
	}
	return model.PriorityInformational
}

func (r Rules) accepts(class string, confidence float64) bool {
	if class == "" || confidence < r.ConfidenceThreshold {
		return false
	}
	if r.Deny.has(class) {
		return false
	}
	if r.Allow != nil && !r.Allow.has(class) {
		return false
	}
	return true
}

// DirectionOf picks the dominant axis of the box centre's offset from the frame centre.
func DirectionOf(box model.BoundingBox, width, height int) model.Direction {
	cx, cy := box.Center()
	dx := cx - float64(width)/2
	dy := cy - float64(height)/2
	if math.Abs(dx) > math.Abs(dy) {
		if dx < 0 {
			return model.DirectionLeft
		}
		return model.DirectionRight
	}
	if dy < 0 {
		return model.DirectionFront
	}
	return model.DirectionBehind
}

type Detector struct {
	client *Client
	rules  Rules
}

func NewDetector(client *Client, rules Rules) *Detector {
	return &Detector{client: client, rules: rules}
}

func (d *Detector) Detect(ctx context.Context, frame model.Frame) ([]model.ObjectDetection, error) {
	raw, err := d.client.Detect(ctx, frame.Data, frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}
	return d.rules.Apply(raw, frame.Width, frame.Height), nil
}

// Apply filters raw detections and assigns direction and priority.
func (r Rules) Apply(raw []RawDetection, width, height int) []model.ObjectDetection {
	out := make([]model.ObjectDetection, 0, len(raw))
	for _, rd := range raw {
		class := normalizeClass(rd.Class)
		if !r.accepts(class, rd.Confidence) {
			continue
		}
		box := model.BoundingBox{X1: rd.BBox[0], Y1: rd.BBox[1], X2: rd.BBox[2], Y2: rd.BBox[3]}
		out = append(out, model.ObjectDetection{
			Class:      class,
			Confidence: rd.Confidence,
			Box:        box,
			Direction:  DirectionOf(box, width, height),
			Priority:   r.Priority(class, box, height),
		})
	}
	return out
}

// TextReader reads printed text through the sidecar's OCR endpoint.
type TextReader struct {
	client *Client
}

func NewTextReader(client *Client) *TextReader {
	return &TextReader{client: client}
}

func (t *TextReader) ReadText(ctx context.Context, frame model.Frame) (string, error) {
	return t.client.ReadText(ctx, frame.Data, frame.Width, frame.Height)
}
