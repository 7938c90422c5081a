package signature

import "github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"

// Schemes returns the signing convention for every supported provider.
//
// NymCard and Ramp sign timestamp+body hex-encoded (Ramp with a v1= version
// tag), Wio signs timestamp+"."+body base64-encoded, Circle signs
// timestamp+body base64-encoded.
func Schemes() map[domain.Provider]Scheme {
	return map[domain.Provider]Scheme{
		domain.ProviderNymCard: {Encoding: EncodingHex},
		domain.ProviderRamp:    {Encoding: EncodingHex, Prefix: "v1="},
		domain.ProviderWio:     {Separator: ".", Encoding: EncodingBase64},
		domain.ProviderCircle:  {Encoding: EncodingBase64},
	}
}
