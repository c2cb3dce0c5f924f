// sealedlog - tamper-evident encrypted session logging
//
// Lines read by a session are sealed one by one under a per-session key
// that only the holder of the recipient private key can recover:
//
//	sealedlog keygen --out DIR     Create a recipient key pair
//	sealedlog record --base NAME   Record stdin into an encrypted session log
//	sealedlog recover [DIR...]     Finish sessions left behind by a crash
//	sealedlog version              Print version information
package main

func main() {
	Execute()
}
