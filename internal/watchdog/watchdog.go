// Package watchdog implements the watchdog half of C11: typed alert
// emitters, each alert appended to the task event bus and a metrics
// counter. Alerts are derived only when Inspect is called with a
// perception snapshot; the package subscribes to no event stream.
package watchdog

import (
	"context"

	"github.com/soulbrowser/kernel/internal/eventbus"
	"github.com/soulbrowser/kernel/internal/perceive"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

// Kind is the closed set of watchdog alert kinds from spec.md §4.11.
type Kind string

const (
	KindBlankPage        Kind = "blank_page"
	KindPermissionPrompt Kind = "permission_prompt"
	KindDownloadPrompt   Kind = "download_prompt"
	KindConsentGate      Kind = "consent_gate"
	KindCaptcha          Kind = "captcha"
	KindUnusualTraffic   Kind = "unusual_traffic"
)

// Severity is the alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var obstructionKind = map[perceive.Obstruction]Kind{
	perceive.ObstructionConsentGate:    KindConsentGate,
	perceive.ObstructionCaptcha:        KindCaptcha,
	perceive.ObstructionLoginWall:      "", // login_wall has no watchdog analogue in spec.md §4.11; not surfaced as an alert
	perceive.ObstructionBlankPage:      KindBlankPage,
	perceive.ObstructionUnusualTraffic: KindUnusualTraffic,
}

var defaultSeverity = map[Kind]Severity{
	KindBlankPage:        SeverityWarning,
	KindPermissionPrompt: SeverityInfo,
	KindDownloadPrompt:   SeverityInfo,
	KindConsentGate:      SeverityInfo,
	KindCaptcha:          SeverityCritical,
	KindUnusualTraffic:   SeverityWarning,
}

// Watchdog emits typed alerts for a single task from perception
// snapshots, publishing each to the task's event bus and to a metrics
// counter tagged by kind/severity.
type Watchdog struct {
	bus *eventbus.Bus
	tel telemetry.Bundle
}

// New constructs a Watchdog bound to the given task's event bus.
func New(bus *eventbus.Bus, tel telemetry.Bundle) *Watchdog {
	return &Watchdog{bus: bus, tel: tel}
}

// Inspect derives watchdog alerts from a perception snapshot's
// obstructions and permission/download runtime signals, publishing one
// eventbus.EventWatchdog record per alert.
func (w *Watchdog) Inspect(ctx context.Context, snap perceive.PerceptionSnapshot, permissionPrompted, downloadPrompted bool) []eventbus.Alert {
	var alerts []eventbus.Alert
	for _, obs := range snap.Structural.Obstructions {
		kind, ok := obstructionKind[obs]
		if !ok || kind == "" {
			continue
		}
		alerts = append(alerts, w.emit(ctx, kind, string(obs)))
	}
	if permissionPrompted {
		alerts = append(alerts, w.emit(ctx, KindPermissionPrompt, "browser permission prompt observed"))
	}
	if downloadPrompted {
		alerts = append(alerts, w.emit(ctx, KindDownloadPrompt, "download prompt observed"))
	}
	return alerts
}

func (w *Watchdog) emit(ctx context.Context, kind Kind, detail string) eventbus.Alert {
	severity := defaultSeverity[kind]
	alert := eventbus.Alert{Kind: string(kind), Severity: string(severity), Detail: detail}
	w.bus.Publish(eventbus.EventWatchdog, alert)
	w.tel.Metrics.IncCounter("watchdog_alerts_total", 1, "kind", string(kind), "severity", string(severity))
	w.tel.Log.Warn(ctx, "watchdog: alert", "kind", kind, "severity", severity, "detail", detail)
	return alert
}
