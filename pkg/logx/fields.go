package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err adds err under "err". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Keys shared by every component so log queries stay uniform.
const (
	KeyComponent    = "comp"
	KeyRegistration = "registration"
	KeyNotification = "notification_id"
	KeySink         = "sink"
)

func Component(name string) Field { return String(KeyComponent, name) }

func Registration(ref string) Field { return String(KeyRegistration, ref) }

// Notification adds the notification id; empty ids are omitted.
func Notification(id string) Field {
	return func(e *zerolog.Event) {
		if id != "" {
			e.Str(KeyNotification, id)
		}
	}
}

func Sink(name string) Field { return String(KeySink, name) }
