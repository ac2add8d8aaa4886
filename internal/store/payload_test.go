package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
)

func TestParsePayload_Valid(t *testing.T) {
	p, err := ParsePayload(acmePayload)
	require.NoError(t, err)
	require.True(t, p.HasCompanies)
	require.Len(t, p.Companies, 1)

	c := p.Companies[0]
	assert.Equal(t, "Acme", c.Name)
	assert.Equal(t, "x", c.Summary)
	assert.Equal(t, LinkInput{Link: "http://a"}, c.Links["site"])
	assert.Equal(t, "http://t", c.Socials["twitter"])
	assert.Equal(t, "{}", c.FundingJSON())
	assert.Contains(t, p.Fields, "companies")
}

func TestParsePayload_EmptyCompaniesIsPresent(t *testing.T) {
	p, err := ParsePayload(`{"companies":[]}`)
	require.NoError(t, err)
	assert.True(t, p.HasCompanies)
	assert.Empty(t, p.Companies)

	p, err = ParsePayload(`{"note":"hi"}`)
	require.NoError(t, err)
	assert.False(t, p.HasCompanies)
}

func TestParsePayload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain text", "hello there"},
		{"truncated object", "{not json"},
		{"top-level array", `[{"name":"a"}]`},
		{"companies not array", `{"companies":{"name":"a"}}`},
		{"company not object", `{"companies":["Acme"]}`},
		{"missing name", `{"companies":[{"summary":"s"}]}`},
		{"blank name", `{"companies":[{"name":"  "}]}`},
		{"name not string", `{"companies":[{"name":7}]}`},
		{"links not object", `{"companies":[{"name":"a","links":["x"]}]}`},
		{"socials not object", `{"companies":[{"name":"a","socials":"x"}]}`},
		{"social not string", `{"companies":[{"name":"a","socials":{"x":{"url":"u"}}}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePayload(tc.text)
			assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)
		})
	}
}

func TestParsePayload_SkipsUnusableLinks(t *testing.T) {
	p, err := ParsePayload(`{"companies":[{"name":"a","links":{"site":{"link":""},"deck":"oops","repo":{"link":"http://r"}},"socials":{"x":""}}]}`)
	require.NoError(t, err)
	c := p.Companies[0]
	assert.Equal(t, map[string]LinkInput{"repo": {Link: "http://r"}}, c.Links)
	assert.Empty(t, c.Socials)
}

func TestSubRecords_SocialOverridesLink(t *testing.T) {
	c := CompanyInput{
		Name: "a",
		Links: map[string]LinkInput{
			"website":  {Link: "http://w", Password: "pw"},
			"linkedin": {Link: "http://old"},
		},
		Socials: map[string]string{"linkedin": "http://new"},
	}

	subs := c.SubRecords()
	require.Len(t, subs, 2)
	assert.Equal(t, SubRecord{Kind: KindSocial, Type: "linkedin", URL: "http://new"}, subs[0])
	assert.Equal(t, SubRecord{Kind: KindLink, Type: "website", URL: "http://w", Credential: "pw"}, subs[1])
}

func TestLooksStructured(t *testing.T) {
	assert.True(t, LooksStructured(`  {"a":1}`))
	assert.True(t, LooksStructured(`{broken`))
	assert.False(t, LooksStructured(`hello {`))
	assert.False(t, LooksStructured(``))
}

func TestStatusCanTransition(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusInProgress))
	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.True(t, StatusInProgress.CanTransition(StatusCompleted))
	assert.False(t, StatusPending.CanTransition(StatusCompleted))
	assert.False(t, StatusCompleted.CanTransition(StatusPending))
	assert.False(t, StatusFailed.CanTransition(StatusInProgress))
	assert.False(t, Status("bogus").Valid())
}
