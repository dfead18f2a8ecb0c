package security

import (
	"fmt"

	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
)

// -----------------------------------------------------------
// GSSAPI mechanism (Kerberos keytab)
// -----------------------------------------------------------

// MechGSSAPI identifies the Kerberos mechanism in the handshake
const MechGSSAPI = "GSSAPI"

// keytabMechanism verifies Kerberos AP-REQ tokens against the server's
// keytab. The client obtains a service ticket for primary/host@REALM out of
// band and presents it as its handshake token.
type keytabMechanism struct {
	settings *service.Settings
}

func newKeytabMechanism(primary, keytabPath string) (*keytabMechanism, error) {
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("loading keytab %s: %w", keytabPath, err)
	}
	return &keytabMechanism{
		settings: service.NewSettings(kt, service.KeytabPrincipal(primary)),
	}, nil
}

func (m *keytabMechanism) Name() string { return MechGSSAPI }

func (m *keytabMechanism) Authenticate(token []byte) (string, error) {
	var apReq messages.APReq
	if err := apReq.Unmarshal(token); err != nil {
		return "", fmt.Errorf("unmarshalling AP-REQ: %w", err)
	}

	ok, creds, err := service.VerifyAPREQ(&apReq, m.settings)
	if err != nil {
		return "", fmt.Errorf("verifying AP-REQ: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("ticket rejected")
	}

	return fmt.Sprintf("%s@%s", creds.CName().PrincipalNameString(), creds.Realm()), nil
}
