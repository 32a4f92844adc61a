package document

import (
	"github.com/pkg/errors"
)

// ElementType identifies the renderable kind of an element.
type ElementType string

const (
	TypeBody       ElementType = "Body"
	TypeSection    ElementType = "Section"
	TypeContainer  ElementType = "Container"
	TypeTwoColumns ElementType = "TwoColumns"
	TypeForm       ElementType = "Form"
	TypeText       ElementType = "Text"
	TypeLink       ElementType = "Link"
	TypeImage      ElementType = "Image"
	TypeVideo      ElementType = "Video"
	TypeButton     ElementType = "Button"
	TypeInput      ElementType = "Input"
)

// containerTypes are the kinds that may hold children.
var containerTypes = map[ElementType]bool{
	TypeBody:       true,
	TypeSection:    true,
	TypeContainer:  true,
	TypeTwoColumns: true,
	TypeForm:       true,
}

// IsContainer reports whether elements of this type may hold children.
func (t ElementType) IsContainer() bool {
	return containerTypes[t]
}

// Breakpoint identifies a responsive style partition.
type Breakpoint string

const (
	BreakpointDesktop Breakpoint = "desktop"
	BreakpointTablet  Breakpoint = "tablet"
	BreakpointMobile  Breakpoint = "mobile"
)

// Element is one node of the shared tree. IDs are client-generated and
// globally unique within a snapshot. The view flags carry json:"-" so they
// never reach the wire, the fingerprint, or any persisted form.
type Element struct {
	ID       string                        `json:"id"`
	Type     ElementType                   `json:"type"`
	ParentID string                        `json:"parentId,omitempty"`
	Children []Element                     `json:"children,omitempty"`
	Styles   map[Breakpoint]map[string]any `json:"styles,omitempty"`
	Settings map[string]any                `json:"settings,omitempty"`

	// Local view state only.
	Selected   bool `json:"-"`
	Hovered    bool `json:"-"`
	DragTarget bool `json:"-"`
}

// Clone returns a deep copy of the element and its subtree. View flags are
// not carried over.
func (e Element) Clone() Element {
	c := Element{
		ID:       e.ID,
		Type:     e.Type,
		ParentID: e.ParentID,
	}
	if e.Children != nil {
		c.Children = make([]Element, len(e.Children))
		for i, child := range e.Children {
			c.Children[i] = child.Clone()
		}
	}
	if e.Styles != nil {
		c.Styles = make(map[Breakpoint]map[string]any, len(e.Styles))
		for bp, props := range e.Styles {
			c.Styles[bp] = cloneValueMap(props)
		}
	}
	if e.Settings != nil {
		c.Settings = cloneValueMap(e.Settings)
	}
	return c
}

func cloneValueMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneValueMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// validateSubtree walks one element and its children, accumulating seen ids.
// wantParent is the id of the enclosing container ("" for roots).
func validateSubtree(e *Element, wantParent string, seen map[string]bool) error {
	if e.ID == "" {
		return errors.New("element has empty id")
	}
	if seen[e.ID] {
		return errors.Errorf("duplicate element id %q", e.ID)
	}
	seen[e.ID] = true

	if e.ParentID != "" && e.ParentID != wantParent {
		if wantParent == "" {
			return errors.Errorf("root element %q references parent %q", e.ID, e.ParentID)
		}
		return errors.Errorf("element %q references parent %q but is nested under %q", e.ID, e.ParentID, wantParent)
	}
	if len(e.Children) > 0 && !e.Type.IsContainer() {
		return errors.Errorf("element %q of type %s cannot hold children", e.ID, e.Type)
	}
	for i := range e.Children {
		if err := validateSubtree(&e.Children[i], e.ID, seen); err != nil {
			return err
		}
	}
	return nil
}
