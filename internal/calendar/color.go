package calendar

import (
	"hash/fnv"
	"strings"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
)

// Palette holds the professional colors. Order matters: a professional keeps
// its color as long as the palette is unchanged.
var Palette = []string{
	"#6366f1", // indigo
	"#10b981", // emerald
	"#f59e0b", // amber
	"#ef4444", // red
	"#0ea5e9", // sky
	"#a855f7", // purple
	"#14b8a6", // teal
	"#f97316", // orange
}

// UnassignedColor is used for appointments without a professional.
const UnassignedColor = "#9ca3af"

// ColorFor picks the display color of an appointment. An ERP category color
// wins over the professional palette.
func ColorFor(a appointments.Appointment) string {
	if c := strings.TrimSpace(a.Metadata[appointments.MetaColor]); c != "" {
		return c
	}
	return ProfessionalColor(a.ProfessionalID)
}

// ProfessionalColor maps a professional id onto Palette.
func ProfessionalColor(professionalID string) string {
	professionalID = strings.TrimSpace(professionalID)
	if professionalID == "" || len(Palette) == 0 {
		return UnassignedColor
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(professionalID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}
