package hubspotsink

import (
	"fmt"
	"sort"
	"strings"

	"dnbwatch/internal/domain"
)

// Action is one CRM step taken for a notification.
type Action uint8

const (
	ActionTask Action = 1 << iota
	ActionNote
	ActionUpdateProperty
	ActionUpdateCompany
)

var actionNames = map[string]Action{
	"task":            ActionTask,
	"note":            ActionNote,
	"update_property": ActionUpdateProperty,
	"upsert_company":  ActionUpdateCompany,
}

func (a Action) Has(b Action) bool { return a&b != 0 }

func (a Action) String() string {
	var names []string
	for name, bit := range actionNames {
		if a.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// ActionMap maps each notification type to its CRM steps.
type ActionMap map[domain.NotificationType]Action

// DefaultActions is used for any type a config does not override.
func DefaultActions() ActionMap {
	return ActionMap{
		domain.TypeDelete:      ActionTask | ActionNote | ActionUpdateProperty,
		domain.TypeTransfer:    ActionTask | ActionNote | ActionUpdateProperty,
		domain.TypeUnderReview: ActionTask | ActionNote,
		domain.TypeUpdate:      ActionNote | ActionUpdateProperty,
		domain.TypeSeed:        ActionUpdateCompany | ActionNote,
		domain.TypeUndelete:    ActionNote | ActionUpdateProperty,
		domain.TypeReviewed:    ActionNote,
		domain.TypeExit:        ActionTask | ActionNote,
		domain.TypeRemoved:     ActionTask | ActionNote,
	}
}

// ParseActions merges overrides onto the defaults. Unknown types or
// action names are rejected.
func ParseActions(overrides map[string][]string) (ActionMap, error) {
	out := DefaultActions()
	for rawType, names := range overrides {
		t, err := domain.ParseNotificationType(rawType)
		if err != nil {
			return nil, fmt.Errorf("hubspot actions: %w", err)
		}
		var a Action
		for _, name := range names {
			bit, ok := actionNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, fmt.Errorf("hubspot actions: %s: unknown action %q", t, name)
			}
			a |= bit
		}
		out[t] = a
	}
	return out, nil
}
