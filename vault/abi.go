package vault

// VaultABI covers the deployed vault contract surface. Intents travel as
// a tuple mirroring the EIP-712 PaymentIntent struct.
const VaultABI = `[
  {
    "inputs": [{"name": "amount", "type": "uint256"}],
    "name": "deposit",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"name": "seller", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "intentHash", "type": "bytes32"}
    ],
    "name": "withdrawToSeller",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {
        "components": [
          {"name": "buyer", "type": "address"},
          {"name": "seller", "type": "address"},
          {"name": "amount", "type": "uint256"},
          {"name": "token", "type": "address"},
          {"name": "nonce", "type": "bytes32"},
          {"name": "expiry", "type": "uint256"},
          {"name": "resource", "type": "string"},
          {"name": "chainId", "type": "uint256"}
        ],
        "name": "intents",
        "type": "tuple[]"
      },
      {"name": "signatures", "type": "bytes[]"}
    ],
    "name": "batchWithdraw",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"name": "seller", "type": "address"},
      {"name": "allowed", "type": "bool"}
    ],
    "name": "authorizeSeller",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "hash", "type": "bytes32"}],
    "name": "publishLedgerHash",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "buyer", "type": "address"}],
    "name": "depositsOf",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "seller", "type": "address"}],
    "name": "isAuthorizedSeller",
    "outputs": [{"name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "nonce", "type": "bytes32"}],
    "name": "usedNonces",
    "outputs": [{"name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "totalDeposited",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "totalWithdrawn",
    "outputs": [{"name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "ledgerHash",
    "outputs": [{"name": "", "type": "bytes32"}],
    "stateMutability": "view",
    "type": "function"
  }
]`
