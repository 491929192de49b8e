package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushauth/internal/errs"
	"pushauth/internal/models"
)

const factorJSON = `{
  "sid": "FA123",
  "friendly_name": "iPhone",
  "account_sid": "AC123",
  "service_sid": "VA123",
  "identity": "user-1",
  "factor_type": "push",
  "status": "unverified",
  "date_created": "2020-02-19T16:39:57Z",
  "config": {"credential_sid": "CR123", "notification_platform": "apn"},
  "metadata": {"os": "ios"}
}`

const pendingChallengeJSON = `{
  "sid": "YC123",
  "factor_sid": "FA123",
  "status": "pending",
  "details": "{\"message\":\"Login request\",\"fields\":[{\"label\":\"IP\",\"value\":\"10.0.0.1\"}],\"date\":\"2020-02-19T16:40:00Z\"}",
  "hidden_details": "{\"ip\":\"10.0.0.1\"}",
  "date_created": "2020-02-19T16:39:57Z",
  "date_updated": "2020-02-19T16:39:58Z",
  "expiration_date": "2020-02-19T16:44:57Z"
}`

func TestFactor(t *testing.T) {
	f, err := Factor([]byte(factorJSON))
	require.NoError(t, err)

	assert.Equal(t, models.FactorTypePush, f.Type)
	assert.Equal(t, "FA123", f.SID)
	assert.Equal(t, "user-1", f.Identity)
	assert.Equal(t, models.FactorUnverified, f.Status)
	assert.Equal(t, "CR123", f.Config.CredentialSID)
	assert.Equal(t, models.PlatformAPN, f.Config.NotificationPlatform)
	assert.Equal(t, time.Date(2020, 2, 19, 16, 39, 57, 0, time.UTC), f.CreatedAt)
	assert.Equal(t, "ios", f.Metadata["os"])
	assert.Empty(t, f.KeyPairAlias)
}

func TestFactorFallsBackToEntityIdentity(t *testing.T) {
	data := `{"sid":"FA1","account_sid":"AC1","service_sid":"VA1","entity_identity":"legacy","status":"verified",
	"date_created":"2020-02-19T16:39:57Z","config":{"credential_sid":"CR1"}}`
	f, err := Factor([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "legacy", f.Identity)
}

func TestFactorRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"missing sid":    `{"account_sid":"AC1","service_sid":"VA1","status":"verified","date_created":"2020-02-19T16:39:57Z","config":{"credential_sid":"CR1"}}`,
		"bad status":     `{"sid":"FA1","account_sid":"AC1","service_sid":"VA1","status":"gone","date_created":"2020-02-19T16:39:57Z","config":{"credential_sid":"CR1"}}`,
		"bad date":       `{"sid":"FA1","account_sid":"AC1","service_sid":"VA1","status":"verified","date_created":"yesterday","config":{"credential_sid":"CR1"}}`,
		"missing config": `{"sid":"FA1","account_sid":"AC1","service_sid":"VA1","status":"verified","date_created":"2020-02-19T16:39:57Z"}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Factor([]byte(data))
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindMapper))
			assert.True(t, errors.Is(err, ErrInvalidPayload))
		})
	}
}

func TestPendingChallengeKeepsSignatureData(t *testing.T) {
	c, err := Challenge([]byte(pendingChallengeJSON), "sid, factor_sid ,date_created,,")
	require.NoError(t, err)

	assert.Equal(t, models.ChallengePending, c.Status)
	assert.Equal(t, "Login request", c.Details.Message)
	require.Len(t, c.Details.Fields, 1)
	assert.Equal(t, "IP", c.Details.Fields[0].Label)
	require.NotNil(t, c.Details.Date)
	assert.Equal(t, "10.0.0.1", c.HiddenDetails["ip"])
	assert.Equal(t, time.Date(2020, 2, 19, 16, 44, 57, 0, time.UTC), c.ExpirationDate)

	assert.Equal(t, []string{"sid", "factor_sid", "date_created"}, c.SignatureFields)
	assert.Equal(t, "YC123", c.Response["sid"])
}

func TestAnsweredChallengeDropsSignatureData(t *testing.T) {
	data := `{"sid":"YC1","factor_sid":"FA1","status":"approved","details":"{\"message\":\"m\"}",
	"date_created":"2020-02-19T16:39:57Z","date_updated":"2020-02-19T16:39:58Z","expiration_date":"2020-02-19T16:44:57Z"}`
	c, err := Challenge([]byte(data), "sid,status")
	require.NoError(t, err)
	assert.Empty(t, c.SignatureFields)
	assert.Nil(t, c.Response)
	assert.Nil(t, c.Details.Date)
}

func TestChallengeRejectsBadDetails(t *testing.T) {
	data := `{"sid":"YC1","factor_sid":"FA1","status":"pending","details":"not json",
	"date_created":"2020-02-19T16:39:57Z","date_updated":"2020-02-19T16:39:58Z","expiration_date":"2020-02-19T16:44:57Z"}`
	_, err := Challenge([]byte(data), "sid")
	assert.True(t, errs.IsKind(err, errs.KindMapper))
}

func TestChallengeList(t *testing.T) {
	data := `{"challenges":[` + pendingChallengeJSON + `],
	"meta":{"page":0,"page_size":10,"previous_page_url":null,
	"next_page_url":"https://verify.example/v2/Services/VA1/Entities/u/Challenges?PageSize=10&PageToken=PT123"}}`

	list, err := ChallengeList([]byte(data))
	require.NoError(t, err)
	require.Len(t, list.Challenges, 1)
	assert.Equal(t, "YC123", list.Challenges[0].SID)
	assert.Empty(t, list.Challenges[0].SignatureFields)
	assert.Equal(t, 10, list.Metadata.PageSize)
	assert.Equal(t, "PT123", list.Metadata.NextPageToken)
	assert.Empty(t, list.Metadata.PreviousPageToken)

	_, err = ChallengeList([]byte(`{"challenges":[{"sid":"x"}],"meta":{"page":0,"page_size":1}}`))
	assert.True(t, errs.IsKind(err, errs.KindMapper))
}

func TestStoredFactorRoundTrip(t *testing.T) {
	f, err := Factor([]byte(factorJSON))
	require.NoError(t, err)
	f.KeyPairAlias = "ABCDEFGHIJKLMNO"

	data, err := EncodeFactor(f)
	require.NoError(t, err)

	decoded, err := DecodeFactor(data)
	require.NoError(t, err)
	assert.Equal(t, f, decoded)

	alias, err := FactorKeyAlias(data)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKLMNO", alias)
}

func TestDecodeFactorRejectsUnknownType(t *testing.T) {
	_, err := DecodeFactor([]byte(`{"type":"totp","sid":"FA1"}`))
	assert.True(t, errors.Is(err, ErrWrongFactorType))

	_, err = DecodeFactor([]byte(`{"type":"push"}`))
	assert.True(t, errs.IsKind(err, errs.KindMapper))

	_, err = EncodeFactor(&models.Factor{})
	assert.True(t, errs.IsKind(err, errs.KindMapper))
}
