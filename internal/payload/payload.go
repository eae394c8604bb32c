// Package payload decodes registry event envelopes and walks the nested
// location ancestor chain with typed accessors.
package payload

import (
	"encoding/json"

	dErrors "civreg/pkg/domain-errors"
)

// Topic is a registry event topic.
type Topic string

const (
	TopicLifeEvent     Topic = "LifeEventTopic"
	TopicLocationEvent Topic = "LocationEventTopic"
)

// Operation is the change an event describes.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// englishLangCode tags the English entry of a localized value list.
const englishLangCode = "ENGLISH"

// LocalizedValue is one translation of a location name.
type LocalizedValue struct {
	LangCode string `json:"langCode"`
	NewValue string `json:"newValue"`
}

// Location is a registry location document. Parent holds the next ancestor
// when the registry embeds one.
type Location struct {
	Code   string           `json:"locationCode"`
	Type   string           `json:"type"`
	Values []LocalizedValue `json:"locationValueList"`
	Parent *Location        `json:"location"`
}

// Envelope is the inbound event document.
type Envelope struct {
	Operation Operation `json:"operation"`
	Context   string    `json:"context"`
	TopicName Topic     `json:"topicName"`
	Location  *Location `json:"location,omitempty"`
	NIN       string    `json:"nin,omitempty"`
}

// Decode parses raw into an Envelope. Unknown fields are kept in raw only.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "event is not valid JSON")
	}
	return &env, nil
}

// Subject returns the location an event is about.
func (e *Envelope) Subject() (*Location, error) {
	if e.Location == nil {
		return nil, dErrors.New(dErrors.CodeStructural, "event has no location body")
	}
	if e.Location.Code == "" {
		return nil, dErrors.New(dErrors.CodeStructural, "event location has no locationCode")
	}
	return e.Location, nil
}

// EnglishName returns the ENGLISH localized value, or "" when there is none.
func (l *Location) EnglishName() string {
	for _, v := range l.Values {
		if v.LangCode == englishLangCode {
			return v.NewValue
		}
	}
	return ""
}

// ParentCode returns the immediate ancestor's code.
func (l *Location) ParentCode() (string, error) {
	if l.Parent == nil || l.Parent.Code == "" {
		return "", dErrors.New(dErrors.CodeStructural, "location "+l.Code+" has no parent locationCode")
	}
	return l.Parent.Code, nil
}

// FacilityAncestry names the chain the registry embeds above a facility.
type FacilityAncestry struct {
	Village  *Location
	Ward     *Location
	District *Location
}

// Ancestry walks facility → village → ward → district.
func (l *Location) Ancestry() (FacilityAncestry, error) {
	var a FacilityAncestry
	var err error
	if a.Village, err = step(l, "village"); err != nil {
		return a, err
	}
	if a.Ward, err = step(a.Village, "ward"); err != nil {
		return a, err
	}
	if a.District, err = step(a.Ward, "district"); err != nil {
		return a, err
	}
	return a, nil
}

func step(from *Location, name string) (*Location, error) {
	if from.Parent == nil || from.Parent.Code == "" {
		return nil, dErrors.New(dErrors.CodeStructural, "location "+from.Code+" has no "+name+" ancestor")
	}
	return from.Parent, nil
}
