package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	dErrors "civreg/pkg/domain-errors"
)

// Person is the registry person document. Null attributes decode to "".
// Raw keeps the whole document for storage alongside the typed fields.
type Person struct {
	FirstName           string `json:"firstName"`
	LastName            string `json:"lastName"`
	DateOfBirth         string `json:"dob"`
	Gender              string `json:"gender"`
	MobileNumber        string `json:"mobileNumber"`
	Occupation          string `json:"occupation"`
	ResidentialVillage  string `json:"residentialVillage"`
	RegistrationVillage string `json:"registrationVillage"`

	Raw json.RawMessage `json:"-"`
}

// Village is the residential village code, falling back to the
// registration village.
func (p *Person) Village() string {
	if p.ResidentialVillage != "" {
		return p.ResidentialVillage
	}
	return p.RegistrationVillage
}

// FetchPerson loads the configured attributes of the person identified by nin.
func (c *Client) FetchPerson(ctx context.Context, nin string) (*Person, error) {
	ctx, span := c.tracer.Start(ctx, "registry.fetch_person")
	defer span.End()

	query := url.Values{"attributeNames": c.attributes}
	endpoint := c.personsURL + "/" + url.PathEscape(nin) + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build person request: %w", err)
	}

	c.logger.InfoContext(ctx, "fetching person from registry", "nin", nin)
	status, body, err := c.authorized(ctx, "fetch_person", req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if !isSuccess(status) {
		err := dErrors.New(dErrors.CodeFetch, fmt.Sprintf("registry person %s fetch failed (%d): %s", nin, status, upstreamMessage(body)))
		recordSpanError(span, err)
		return nil, err
	}

	person := &Person{}
	if err := json.Unmarshal(body, person); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeFetch, "registry person document is not valid JSON")
	}
	person.Raw = json.RawMessage(body)
	return person, nil
}
