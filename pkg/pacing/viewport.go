package pacing

// MemoryViewport is a headless viewport.
type MemoryViewport struct {
	Top     float64
	Content float64
	Client  float64
}

func (v *MemoryViewport) ScrollTop() float64 { return v.Top }

func (v *MemoryViewport) SetScrollTop(top float64) { v.Top = top }

func (v *MemoryViewport) ScrollHeight() float64 { return v.Content }

func (v *MemoryViewport) ClientHeight() float64 { return v.Client }
