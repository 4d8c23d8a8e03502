package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CodeValidator checks a one-time code bound to a (contract, party) scope.
// The production deployment can back this with an SMS/email OTP provider;
// the default implementation verifies the signed challenges issued below.
type CodeValidator interface {
	Validate(ctx context.Context, contractRef string, partyID uuid.UUID, code string) (bool, error)
}

// ChallengeTTL bounds how long a signature challenge stays valid.
const ChallengeTTL = 10 * time.Minute

// Challenge is the one-time credential handed to a party who asked to sign.
type Challenge struct {
	ContractRef string    `json:"contract_ref"`
	PartyID     uuid.UUID `json:"party_id"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChallengeIssuer mints and verifies HS256-signed signature challenges. The
// secret is injected at construction, never read from ambient state.
type ChallengeIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewChallengeIssuer(secret string) *ChallengeIssuer {
	return &ChallengeIssuer{secret: []byte(secret), now: time.Now}
}

// Issue creates a challenge bound to the (contract, party) scope.
func (i *ChallengeIssuer) Issue(contractRef string, partyID uuid.UUID) (Challenge, error) {
	if contractRef == "" || partyID == uuid.Nil {
		return Challenge{}, fmt.Errorf("contract: challenge scope incomplete")
	}

	expires := i.now().Add(ChallengeTTL)
	claims := jwt.MapClaims{
		"contract_ref": contractRef,
		"party_id":     partyID.String(),
		"exp":          expires.Unix(),
		"iat":          i.now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	code, err := token.SignedString(i.secret)
	if err != nil {
		return Challenge{}, fmt.Errorf("contract: sign challenge: %w", err)
	}

	return Challenge{
		ContractRef: contractRef,
		PartyID:     partyID,
		Code:        code,
		ExpiresAt:   expires,
	}, nil
}

// Validate implements CodeValidator over issued challenges. A code is valid
// only for the exact scope it was issued for and only until it expires.
func (i *ChallengeIssuer) Validate(_ context.Context, contractRef string, partyID uuid.UUID, code string) (bool, error) {
	token, err := jwt.Parse(code, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return false, nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return false, nil
	}
	ref, _ := claims["contract_ref"].(string)
	party, _ := claims["party_id"].(string)
	return ref == contractRef && party == partyID.String(), nil
}
