package convert

import (
	"fmt"
	"strings"
)

// Behavioral contexts of the chambers
var contexts = map[string]string{
	"A": "overhead external light, external fan off, box fan on, smooth floor, white curve insert, simple green 5pct scent",
	"B": "overhead external light, external fan off, box fan on, bath mat floor, A frame insert, ethanol 70pct scent",
	"S": "overhead external light, external fan at medium level, box fan on, even grid floor, acetic acid 1pct scent",
}

// SessionDescription returns the configured description, or a protocol
// description derived from the task suffix of the session id
// ("<subject>_<task>").
func SessionDescription(cfg *SessionConfig) string {
	if cfg.Description != "" {
		return cfg.Description
	}
	task := strings.TrimPrefix(cfg.SessionID, cfg.SubjectID+"_")
	if strings.Contains(task, "Offline") {
		task = "Offline"
	}

	switch task {
	case "NeutralExposure":
		return "Neutral Exposure session: mouse was exposed to a neutral context for 10 min to explore. Context: " + contexts["A"]
	case "FC":
		amplitude := "unknown amplitude"
		if cfg.Shock != nil {
			amplitude = fmt.Sprintf("%g mA", cfg.Shock.Amplitude)
		}
		return fmt.Sprintf("Fear Conditioning session: after a baseline period of 2 min, mouse received three 2s foot shocks of %s, "+
			"with an intershock interval of 1 min. Then, 30 s after the final shock, the mice were removed and returned "+
			"to the vivarium. Context: %s", amplitude, contexts["S"])
	case "Recall1":
		return "First Recall session: mouse was placed in shock context for 5 min. Context: " + contexts["S"]
	case "Offline":
		return "After Neutral Exposure and Fear Conditioning sessions, mice were taken out of the testing chambers and " +
			"immediately placed in their homecage (scope was not removed). Mouse behavior and calcium were recorded for an hour."
	}
	return "Session " + cfg.SessionID
}
