package state

// Activity is one configured source → destination table replication.
type Activity struct {
	Name        string        `json:"name"`
	Source      TableIdentity `json:"source_table"`
	Destination TableIdentity `json:"destination_table"`
	State       ActivityState `json:"state"`
}

// NewActivity returns a Starting activity with normalised names.
func NewActivity(name string, source, destination TableIdentity) Activity {
	return Activity{
		Name:        NormalizeName(name),
		Source:      NewTableIdentity(source.ClusterURI, source.Database, source.Table),
		Destination: NewTableIdentity(destination.ClusterURI, destination.Database, destination.Table),
		State:       ActivityStarting,
	}
}

func (a Activity) Key() string { return a.Name }

func (a Activity) WithState(s ActivityState) Activity {
	a.State = s
	return a
}

func (a Activity) Validate() error {
	if err := checkName("activity", "name", a.Name); err != nil {
		return err
	}
	if err := a.Source.validate("activity "+a.Name, "source"); err != nil {
		return err
	}
	if err := a.Destination.validate("activity "+a.Name, "destination"); err != nil {
		return err
	}
	if _, err := a.State.MarshalText(); err != nil {
		return err
	}
	return nil
}
