package imagecache

// Phase is a lifecycle state of a Proxy.
type Phase int32

const (
	PhaseUninstalled Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActive
	PhaseRedundant
)

var phaseNames = [...]string{
	PhaseUninstalled: "uninstalled",
	PhaseInstalling:  "installing",
	PhaseInstalled:   "installed",
	PhaseActivating:  "activating",
	PhaseActive:      "active",
	PhaseRedundant:   "redundant",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}
