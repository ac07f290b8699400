package templates

import "strings"

// DefaultStationNameTemplate joins the stop name with the line name, falling
// back to the line's short name.
const DefaultStationNameTemplate = `{{ .Stop }}{{ with coalesce .Line .ShortName }} - {{ . }}{{ end }}`

// StationName is the data a station name template sees.
type StationName struct {
	Stop      string
	Line      string
	ShortName string
	Vehicle   string
}

// StationNamer renders display names for departure stops.
type StationNamer struct {
	tmpl *Template
}

// NewStationNamer compiles source, using DefaultStationNameTemplate when
// source is blank.
func NewStationNamer(r *Renderer, source string) (*StationNamer, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultStationNameTemplate
	}
	tmpl, err := r.CompileInline("station_name", source)
	if err != nil {
		return nil, err
	}
	return &StationNamer{tmpl: tmpl}, nil
}

// Name renders the display name. A render failure or blank output falls back
// to the bare stop name.
func (n *StationNamer) Name(data StationName) (string, error) {
	if n == nil {
		return data.Stop, nil
	}
	out, err := n.tmpl.Render(data)
	if err != nil {
		return data.Stop, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return data.Stop, nil
	}
	return out, nil
}
