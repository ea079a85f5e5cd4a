package teamcity

// Payloads of the TeamCity REST API. Only the fields read by the collector
// are declared; absent objects decode to their zero value.

type projectRef struct {
	ID string `json:"id"`
}

type projectPayload struct {
	ID       string `json:"id"`
	Projects struct {
		Project []projectRef `json:"project"`
	} `json:"projects"`
	BuildTypes struct {
		BuildType []buildTypeRef `json:"buildType"`
	} `json:"buildTypes"`
}

type buildTypeRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
	WebURL    string `json:"webUrl"`
}

type property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type buildTypePayload struct {
	ID       string `json:"id"`
	Settings struct {
		Property []property `json:"property"`
	} `json:"settings"`
}

type buildRef struct {
	ID     int64  `json:"id"`
	Number string `json:"number"`
	Status string `json:"status"`
	State  string `json:"state"`
}

type buildsPage struct {
	Count int        `json:"count"`
	Build []buildRef `json:"build"`
}

type branchRef struct {
	Name string `json:"name"`
}

type lastBuiltRevision struct {
	Branch []branchRef `json:"branch"`
}

type buildAction struct {
	RemoteURLs        []string           `json:"remoteUrls"`
	LastBuiltRevision *lastBuiltRevision `json:"lastBuiltRevision"`
}

type revisionRef struct {
	Version string `json:"version"`
}

type buildPayload struct {
	ID         int64         `json:"id"`
	Number     string        `json:"number"`
	State      string        `json:"state"`
	Status     string        `json:"status"`
	StartDate  string        `json:"startDate"`
	FinishDate string        `json:"finishDate"`
	Actions    []buildAction `json:"actions"`
	Revisions  *struct {
		Revision []revisionRef `json:"revision"`
	} `json:"revisions"`

	// ChangeSets carries per-change detail on servers that expose it. Items
	// are loosely typed and decoded separately.
	ChangeSets []map[string]any `json:"changeSets"`
}
