package devmap

import "os/exec"

// hotplugEvent spawns the configured hotplug helper for a device add or
// remove. The helper runs detached; a failure is logged and otherwise
// ignored, exactly like a failed /sbin/hotplug exec.
func (r *Registry) hotplugEvent(md *MappedDevice, add bool) {
	if r.hotplug == "" {
		return
	}

	action := "remove"
	if add {
		action = "add"
	}

	cmd := exec.Command(r.hotplug, "devmap")
	cmd.Env = []string{
		"HOME=/",
		"PATH=/sbin:/bin:/usr/sbin:/usr/bin",
		"DMNAME=" + md.name,
		"ACTION=" + action,
	}

	go func() {
		if err := cmd.Run(); err != nil {
			md.logger.WithError(err).Warn("hotplug helper failed",
				"helper", r.hotplug, "action", action)
		}
	}()
}
