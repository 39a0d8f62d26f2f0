package session

import (
	"chartform/internal/chart"
	"chartform/internal/form"
	"chartform/internal/source"
)

// Descriptor names where the data came from. At most one of URL and File is
// set; loading one clears the other.
type Descriptor struct {
	URL  *string             `json:"url"`
	File *source.FilePayload `json:"dataBase64"`
}

// IsZero reports whether no source has been chosen.
func (d Descriptor) IsZero() bool {
	return (d.URL == nil || *d.URL == "") && d.File == nil
}

// Label is a short human description for logs and history.
func (d Descriptor) Label() string {
	switch {
	case d.URL != nil:
		return *d.URL
	case d.File != nil:
		return d.File.Filename
	}
	return ""
}

func (d Descriptor) clone() Descriptor {
	var out Descriptor
	if d.URL != nil {
		u := *d.URL
		out.URL = &u
	}
	if d.File != nil {
		f := *d.File
		out.File = &f
	}
	return out
}

// request merges the descriptor and args into a chart request.
func (d Descriptor) request(args form.Arguments) chart.Request {
	c := d.clone()
	return chart.Request{URL: c.URL, DataBase64: c.File, Args: args}
}
