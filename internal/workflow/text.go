package workflow

import (
	"context"
	"regexp"
	"strings"

	"github.com/pitabwire/worktrail/internal/handler"
)

// MissingText is shown when no text is defined for a key.
const MissingText = "????"

var namePattern = regexp.MustCompile(`NAME\(([^)]+)\)`)

// TextMaybe looks up display text. For kinds [k] and path [name, state] it
// tries "k:name:state", then "k:name", then "k", trying every kind at each
// level. Found text is passed through $textInterpolate.
func (i *Instance) TextMaybe(ctx context.Context, kinds []string, path ...string) (string, bool, error) {
	for level := len(path); level >= 0; level-- {
		for _, kind := range kinds {
			parts := make([]string, 0, level+1)
			parts = append(parts, kind)
			parts = append(parts, path[:level]...)
			key := strings.Join(parts, ":")

			text, ok, err := handler.Dispatch(ctx, i.workflow.text, i, func(fn TextFunc) (string, bool, error) {
				return fn(ctx, i, key)
			})
			if err != nil {
				return "", false, err
			}
			if ok {
				out, err := i.interpolate(ctx, text)
				return out, true, err
			}
		}
	}
	return "", false, nil
}

// Text is TextMaybe with a visible placeholder for missing text.
func (i *Instance) Text(ctx context.Context, kinds []string, path ...string) (string, error) {
	text, ok, err := i.TextMaybe(ctx, kinds, path...)
	if err != nil {
		return "", err
	}
	if !ok {
		return MissingText, nil
	}
	return text, nil
}

// StatusText describes the current state.
func (i *Instance) StatusText(ctx context.Context) (string, error) {
	return i.Text(ctx, []string{"status"}, i.State())
}

// Title returns the task title from $taskTitle.
func (i *Instance) Title(ctx context.Context) (string, error) {
	title, ok, err := handler.Dispatch(ctx, i.workflow.taskTitle, i, func(fn TaskTitleFunc) (string, bool, error) {
		return fn(ctx, i)
	})
	if err != nil || !ok {
		return "", err
	}
	return title, nil
}

func (i *Instance) interpolate(ctx context.Context, text string) (string, error) {
	out, err := handler.Fold(i.workflow.textInterpolate, text, func(fn TextInterpolateFunc, s string) (string, error) {
		return fn(ctx, i, s)
	})
	if err != nil {
		return "", err
	}
	if out == "" {
		return text, nil
	}
	return out, nil
}

func defaultText(_ context.Context, i *Instance, key string) (string, bool, error) {
	text, ok := i.workflow.textLookup[key]
	return text, ok, nil
}

func interpolateNames(_ context.Context, i *Instance, text string) (string, error) {
	if !strings.Contains(text, "NAME(") {
		return text, nil
	}
	return namePattern.ReplaceAllStringFunc(text, func(m string) string {
		key := namePattern.FindStringSubmatch(m)[1]
		return i.workflow.registry.displayName(key)
	}), nil
}

func defaultTaskTitle(ctx context.Context, i *Instance) (string, bool, error) {
	if i.rec.Ref == "" {
		return "", false, nil
	}
	obj, err := i.engine.objects.Get(ctx, i.rec.Ref)
	if err != nil {
		return "", false, err
	}
	return obj.Title, true, nil
}
