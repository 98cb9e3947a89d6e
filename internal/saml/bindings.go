package saml

import (
	"bytes"
	"compress/flate"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SigAlgRSASHA256 is the only redirect signature algorithm this SP emits.
const SigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"

// maxDeflatedMessage bounds the decompressed size of an inbound redirect
// message so a hostile peer cannot expand a tiny payload into gigabytes.
const maxDeflatedMessage = 1 << 20

// ============================================================================
// HTTP-Redirect Binding (SAML 2.0 Bindings Section 3.4)
// ============================================================================

// RedirectBinding encodes outbound messages for the HTTP-Redirect binding
// and decodes inbound ones. A non-nil signingKey makes BuildRedirectURL emit
// SigAlg and Signature query parameters.
type RedirectBinding struct {
	signingKey *rsa.PrivateKey
}

// NewRedirectBinding creates a redirect binding handler. Pass a nil key for
// unsigned requests.
func NewRedirectBinding(signingKey *rsa.PrivateKey) *RedirectBinding {
	return &RedirectBinding{signingKey: signingKey}
}

// DeflateEncode serializes a message for the redirect binding.
// Per SAML 2.0 Bindings Section 3.4.4.1: XML, raw DEFLATE, base64.
func DeflateEncode(message interface{}) (string, error) {
	xmlData, err := xml.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}

	var compressed bytes.Buffer
	writer, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := writer.Write(xmlData); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to compress message: %w", err)
	}
	writer.Close()

	return base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

// DeflateDecode reverses DeflateEncode for an inbound redirect message.
func DeflateDecode(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode: %w", err)
	}

	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()

	xmlData, err := io.ReadAll(io.LimitReader(reader, maxDeflatedMessage))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return xmlData, nil
}

// BuildRedirectURL builds the full redirect URL carrying the message.
// Per SAML 2.0 Bindings Section 3.4.4.1 the signature covers the ordered
// concatenation SAMLRequest=value&RelayState=value&SigAlg=value, with each
// value URL-encoded exactly as it appears in the query string.
func (b *RedirectBinding) BuildRedirectURL(destination string, message interface{}, relayState string, isRequest bool) (string, error) {
	encoded, err := DeflateEncode(message)
	if err != nil {
		return "", err
	}

	paramName := "SAMLResponse"
	if isRequest {
		paramName = "SAMLRequest"
	}

	var signatureInput strings.Builder
	signatureInput.WriteString(paramName)
	signatureInput.WriteString("=")
	signatureInput.WriteString(url.QueryEscape(encoded))

	params := url.Values{}
	params.Set(paramName, encoded)

	if relayState != "" {
		signatureInput.WriteString("&RelayState=")
		signatureInput.WriteString(url.QueryEscape(relayState))
		params.Set("RelayState", relayState)
	}

	if b.signingKey != nil {
		signatureInput.WriteString("&SigAlg=")
		signatureInput.WriteString(url.QueryEscape(SigAlgRSASHA256))

		hash := sha256.Sum256([]byte(signatureInput.String()))
		signature, err := rsa.SignPKCS1v15(rand.Reader, b.signingKey, crypto.SHA256, hash[:])
		if err != nil {
			return "", fmt.Errorf("failed to sign redirect: %w", err)
		}

		params.Set("SigAlg", SigAlgRSASHA256)
		params.Set("Signature", base64.StdEncoding.EncodeToString(signature))
	}

	parsedURL, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}
	parsedURL.RawQuery = params.Encode()

	return parsedURL.String(), nil
}

// ============================================================================
// HTTP-POST Binding (SAML 2.0 Bindings Section 3.5)
// ============================================================================

// PostBinding encodes and decodes messages for the HTTP-POST binding. A
// non-nil Signer wraps each outbound message in an enveloped XML signature,
// as the POST binding cannot carry a detached one.
type PostBinding struct {
	Signer *Signer
}

// Encode serializes a message for the POST binding: XML with declaration,
// base64, no compression, per SAML 2.0 Bindings Section 3.5.4.
func (b *PostBinding) Encode(message interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(message, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	if b.Signer != nil {
		xmlData, err = b.Signer.SignEnvelopedXML(xmlData)
		if err != nil {
			return "", fmt.Errorf("failed to sign message: %w", err)
		}
	}
	return base64.StdEncoding.EncodeToString([]byte(xml.Header + string(xmlData))), nil
}

// Decode reverses Encode for an inbound POST message.
func (b *PostBinding) Decode(encoded string) ([]byte, error) {
	// Some user agents submit '+' as ' ' despite the form encoding.
	decoded := strings.ReplaceAll(encoded, " ", "+")

	xmlData, err := base64.StdEncoding.DecodeString(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode: %w", err)
	}
	return xmlData, nil
}

// GeneratePostForm renders the auto-submitting form that carries the message
// to destination. Destination and relay state are validated and escaped so
// they cannot break out of the markup.
func (b *PostBinding) GeneratePostForm(destination string, message interface{}, relayState string, isRequest bool) (string, error) {
	encoded, err := b.Encode(message)
	if err != nil {
		return "", err
	}

	paramName := "SAMLResponse"
	if isRequest {
		paramName = "SAMLRequest"
	}

	if err := validateDestinationURL(destination); err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}

	if len(relayState) > 1024 {
		relayState = relayState[:1024]
	}
	relayStateInput := ""
	if relayState != "" {
		relayStateInput = fmt.Sprintf(`<input type="hidden" name="RelayState" value="%s"/>`, escapeHTML(relayState))
	}

	htmlOutput := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Signing in</title>
</head>
<body onload="document.forms[0].submit()">
    <noscript>
        <p>JavaScript is required. Please click the button below to continue.</p>
    </noscript>
    <form method="POST" action="%s">
        <input type="hidden" name="%s" value="%s"/>
        %s
        <noscript>
            <input type="submit" value="Continue"/>
        </noscript>
    </form>
</body>
</html>`, escapeHTML(destination), paramName, encoded, relayStateInput)

	return htmlOutput, nil
}

// ============================================================================
// Inbound message extraction
// ============================================================================

// InboundMessage is a decoded SAML message received on either binding,
// before any validation.
type InboundMessage struct {
	XML        []byte
	RelayState string
	IsRequest  bool
	Binding    string
}

// ParseInbound extracts the SAML message from an HTTP request, handling both
// the POST and Redirect bindings. It only decodes; validation is the
// engine's job.
func ParseInbound(r *http.Request) (*InboundMessage, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, protocolErrorf(ErrCodeMalformedResponse, "unparseable form body", "%v", err)
		}
		msg := &InboundMessage{Binding: BindingHTTPPost, RelayState: r.FormValue("RelayState")}

		var encoded string
		if v := r.FormValue("SAMLRequest"); v != "" {
			encoded, msg.IsRequest = v, true
		} else if v := r.FormValue("SAMLResponse"); v != "" {
			encoded = v
		} else {
			return nil, protocolErrorf(ErrCodeMalformedResponse, "no SAML message in form", "neither SAMLRequest nor SAMLResponse present")
		}

		xmlData, err := (&PostBinding{}).Decode(encoded)
		if err != nil {
			return nil, protocolErrorf(ErrCodeMalformedResponse, "undecodable POST message", "%v", err)
		}
		msg.XML = xmlData
		return msg, nil
	}

	query := r.URL.Query()
	msg := &InboundMessage{Binding: BindingHTTPRedirect, RelayState: query.Get("RelayState")}

	var encoded string
	if v := query.Get("SAMLRequest"); v != "" {
		encoded, msg.IsRequest = v, true
	} else if v := query.Get("SAMLResponse"); v != "" {
		encoded = v
	} else {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "no SAML message in query", "neither SAMLRequest nor SAMLResponse present")
	}

	xmlData, err := DeflateDecode(encoded)
	if err != nil {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "undecodable redirect message", "%v", err)
	}
	msg.XML = xmlData
	return msg, nil
}

// ============================================================================
// Shared Utilities
// ============================================================================

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// validateDestinationURL rejects URLs that could be abused as a form action
// or redirect target (javascript:, data: and friends).
func validateDestinationURL(dest string) error {
	if dest == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(dest)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "" && scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s", scheme)
	}
	if parsed.Host != "" && scheme == "" {
		return fmt.Errorf("absolute URL missing scheme")
	}
	return nil
}
